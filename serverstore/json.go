package serverstore

import (
	"encoding/json"
	"fmt"
)

func jsonMarshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serverstore: marshaling value: %w", err)
	}
	return b, nil
}

func jsonUnmarshal(b []byte) (interface{}, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("serverstore: unmarshaling value: %w", err)
	}
	return v, nil
}

func jsonUnmarshalInto(b []byte, out interface{}) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("serverstore: unmarshaling value: %w", err)
	}
	return nil
}
