// Package subscription registers and removes notification subscribers.
//
// Operations on one e-mail address are serialized by a lease. A caller that
// finds the lease taken gets ErrBusy at once instead of waiting.
package subscription

import (
	"context"
	"net/mail"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/errors"
	"github.com/crowdwarn/crowdwarn/internal/logger"
	"github.com/crowdwarn/crowdwarn/internal/privacy"
)

// Outcome is the result of RegisterOrLogin.
type Outcome string

const (
	OutcomeRegistered Outcome = "registered"
	OutcomeLoggedIn   Outcome = "logged_in"
	OutcomeRejected   Outcome = "rejected" // known address, wrong password
)

// OK reports whether the caller is now a subscriber.
func (o Outcome) OK() bool {
	return o == OutcomeRegistered || o == OutcomeLoggedIn
}

const minPasswordLength = 8

var (
	ErrBusy               = errors.New(errors.NewStd("another operation on this address is in progress")).Component("subscription").Category(errors.CategoryBusy).Priority(errors.PriorityLow).Build()
	ErrNotSubscribed      = errors.NewStd("address is not subscribed")
	ErrInvalidCredentials = errors.NewStd("invalid credentials")
)

// Service manages subscribers.
type Service struct {
	store  *datastore.Store
	leases sync.Map // normalized e-mail -> struct{}
	cost   int
	log    logger.Logger
}

var (
	serviceLogger logger.Logger
	loggerOnce    sync.Once
)

// GetLogger returns the subscription module logger
func GetLogger() logger.Logger {
	loggerOnce.Do(func() {
		serviceLogger = logger.Global().Module("subscription")
	})
	return serviceLogger
}

// New creates a subscription service.
func New(store *datastore.Store) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost, log: GetLogger()}
}

// RegisterOrLogin subscribes an unknown address or checks the password of a
// known one.
func (s *Service) RegisterOrLogin(ctx context.Context, email, password string) (Outcome, error) {
	addr, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	release, err := s.acquire(addr)
	if err != nil {
		return "", err
	}
	defer release()

	existing, err := s.find(ctx, addr)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return s.login(ctx, existing, password), nil
	}

	if len(password) < minPasswordLength {
		return "", invalid("password must be at least 8 characters", "password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", errors.New(err).Component("subscription").Category(errors.CategoryGeneric).Build()
	}

	var inserted bool
	err = s.store.Gate.WithWrite(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&datastore.Subscriber{
			Email:        addr,
			PasswordHash: string(hash),
		})
		inserted = res.RowsAffected > 0
		return res.Error
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		return s.afterLostInsert(ctx, addr, password)
	}

	s.log.WithContext(ctx).Info("subscriber registered", logger.String("email", privacy.MaskEmail(addr)))
	return OutcomeRegistered, nil
}

// afterLostInsert handles an address registered concurrently by another
// process. When that row is gone again by the time it is read, the caller gets
// a conflict and may retry.
func (s *Service) afterLostInsert(ctx context.Context, addr, password string) (Outcome, error) {
	existing, err := s.find(ctx, addr)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", errors.New(ErrNotSubscribed).
			Component("subscription").
			Category(errors.CategoryConflict).
			Priority(errors.PriorityLow).
			Context("operation", "register").
			Build()
	}
	return s.login(ctx, existing, password), nil
}

// Unsubscribe removes a subscriber after checking the password.
func (s *Service) Unsubscribe(ctx context.Context, email, password string) error {
	addr, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	release, err := s.acquire(addr)
	if err != nil {
		return err
	}
	defer release()

	existing, err := s.find(ctx, addr)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotSubscribed
	}
	if s.login(ctx, existing, password) != OutcomeLoggedIn {
		return ErrInvalidCredentials
	}

	err = s.store.Gate.WithWrite(ctx, func(tx *gorm.DB) error {
		return tx.Where("id = ?", existing.ID).Delete(&datastore.Subscriber{}).Error
	})
	if err != nil {
		return err
	}
	s.log.WithContext(ctx).Info("subscriber removed", logger.String("email", privacy.MaskEmail(addr)))
	return nil
}

func (s *Service) login(ctx context.Context, sub *datastore.Subscriber, password string) Outcome {
	if err := bcrypt.CompareHashAndPassword([]byte(sub.PasswordHash), []byte(password)); err != nil {
		s.log.WithContext(ctx).Debug("password mismatch", logger.String("email", privacy.MaskEmail(sub.Email)))
		return OutcomeRejected
	}
	return OutcomeLoggedIn
}

func (s *Service) find(ctx context.Context, addr string) (*datastore.Subscriber, error) {
	var sub datastore.Subscriber
	err := s.store.Reader(ctx).Where("email = ?", addr).Take(&sub).Error
	if datastore.IsRecordNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.New(err).Component("subscription").Category(errors.CategoryDatabase).Build()
	}
	return &sub, nil
}

// acquire takes the lease for addr or fails with ErrBusy.
func (s *Service) acquire(addr string) (release func(), err error) {
	if _, taken := s.leases.LoadOrStore(addr, struct{}{}); taken {
		return nil, ErrBusy
	}
	return func() { s.leases.Delete(addr) }, nil
}

func normalizeEmail(email string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || parsed.Name != "" {
		return "", invalid("invalid e-mail address", "email")
	}
	return strings.ToLower(parsed.Address), nil
}

func invalid(message, field string) error {
	return errors.Newf("%s", message).
		Component("subscription").
		Category(errors.CategoryValidation).
		Context("field", field).
		Build()
}
