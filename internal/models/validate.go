package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func draftValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("ticket_category", func(fl validator.FieldLevel) bool {
			return TicketCategory(fl.Field().String()).Valid()
		})
		_ = validate.RegisterValidation("ticket_priority", func(fl validator.FieldLevel) bool {
			return TicketPriority(fl.Field().String()).Valid()
		})
	})
	return validate
}

// Validate checks the draft's required fields and enum values. The returned error lists
// every offending field by its JSON name.
func (d TicketDraft) Validate() error {
	err := draftValidator().Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", jsonName(fe.Field()), fe.Tag()))
	}
	return errors.New(strings.Join(parts, "; "))
}

func jsonName(field string) string {
	switch field {
	case "AttachmentURL":
		return "attachment"
	case "IsPremium":
		return "isPremium"
	case "PaymentID":
		return "paymentId"
	}
	return strings.ToLower(field[:1]) + field[1:]
}
