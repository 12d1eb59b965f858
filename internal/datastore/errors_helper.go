package datastore

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/crowdwarn/crowdwarn/internal/errors"
)

// dbError creates a categorized database error with key/value context pairs.
func dbError(err error, operation string, context ...any) error {
	builder := errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)

	for i := 0; i+1 < len(context); i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}
	return builder.Build()
}

// notFoundError reports a missing entity by kind and id.
func notFoundError(entity string, id uint) error {
	return errors.Newf("%s %d not found", entity, id).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Priority(errors.PriorityLow).
		Context("entity", entity).
		Context("id", id).
		Build()
}

// validationError creates a validation error for a rejected input field.
func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}

// lookupError converts gorm.ErrRecordNotFound to a not-found error and wraps everything else.
func lookupError(err error, entity string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundError(entity, id)
	}
	return dbError(err, "get_"+entity, "id", id)
}

// IsRecordNotFound reports whether err is gorm's record-not-found sentinel.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
