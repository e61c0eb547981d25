package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Location is a point or a free-text address, stored as JSON text
type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Address   string   `json:"address,omitempty"`
}

// Known reports whether the location carries coordinates or an address
func (l *Location) Known() bool {
	if l == nil {
		return false
	}
	return (l.Latitude != nil && l.Longitude != nil) || l.Address != ""
}

func (l *Location) Validate() error {
	if l == nil {
		return nil
	}
	if (l.Latitude == nil) != (l.Longitude == nil) {
		return fmt.Errorf("latitude and longitude must be given together")
	}
	if l.Latitude != nil && (*l.Latitude < -90 || *l.Latitude > 90) {
		return fmt.Errorf("latitude %v out of range", *l.Latitude)
	}
	if l.Longitude != nil && (*l.Longitude < -180 || *l.Longitude > 180) {
		return fmt.Errorf("longitude %v out of range", *l.Longitude)
	}
	return nil
}

func (Location) GormDataType() string { return "text" }

func (l Location) Value() (driver.Value, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *Location) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// StringList is a JSON array column
type StringList []string

func (StringList) GormDataType() string { return "text" }

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringList) Scan(value interface{}) error {
	return scanJSON(value, s)
}

func scanJSON(value interface{}, out interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, out)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), out)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}
