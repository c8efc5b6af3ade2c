package protocol

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// EncodeValue validates and encodes |v| as a YAML coordination value.
func EncodeValue(v Validator) (string, error) {
	if err := v.Validate(); err != nil {
		return "", err
	}
	var b, err = yaml.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encoding value")
	}
	return string(b), nil
}

// DecodeValue strictly decodes a YAML coordination value into |v|,
// and validates the result.
func DecodeValue(b []byte, v Validator) error {
	if err := yaml.UnmarshalStrict(b, v); err != nil {
		return errors.Wrap(err, "decoding value")
	}
	return v.Validate()
}
