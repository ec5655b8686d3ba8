package db

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/pkg/errors"
)

// MediaObject pairs the public URL handed to clients with the object-store key
// it was uploaded under. Deletions always use the stored key, never a parsed URL.
type MediaObject struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// MediaList is an ordered set of media references persisted as a JSON column.
type MediaList []MediaObject

func (l MediaList) Value() (driver.Value, error) {
	if l == nil {
		l = MediaList{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, errors.Wrap(err, "marshal media list")
	}
	return string(b), nil
}

func (l *MediaList) Scan(src interface{}) error {
	if src == nil {
		*l = MediaList{}
		return nil
	}

	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.Errorf("unsupported media list source type %T", src)
	}

	if len(b) == 0 {
		*l = MediaList{}
		return nil
	}
	return errors.Wrap(json.Unmarshal(b, l), "unmarshal media list")
}

// URLs returns the public URLs in stored order.
func (l MediaList) URLs() []string {
	urls := make([]string, len(l))
	for i := range l {
		urls[i] = l[i].URL
	}
	return urls
}
