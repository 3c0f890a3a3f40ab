package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the struct rules of the params. Non-URL methods are
// accepted here and ignored later.
func (p *FactoryParams) Validate() error {
	if p == nil {
		return NewError(ErrInvalidParams, "missing payment request params", nil)
	}
	if err := validate.Struct(p); err != nil {
		return NewError(ErrInvalidParams, "validation failed", err)
	}
	return nil
}

// Validate checks the configuration struct rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewError(ErrConfigError, fmt.Sprintf("invalid config: %v", err), nil)
	}
	return nil
}
