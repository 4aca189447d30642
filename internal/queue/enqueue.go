package queue

import (
	crand "crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

const MaxContentLength = 4000

// IDGenerator produces time-ordered unique item ids.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(crand.Reader, 0)}
}

func (g *IDGenerator) Make(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

type enqueueInput struct {
	Content     string            `validate:"required,max=4000"`
	Orientation string            `validate:"omitempty,oneof=landscape portrait square"`
	Options     map[string]string `validate:"dive,keys,min=1,max=64,endkeys,max=512"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// NewItem validates input and builds a queued item. options are merged over
// defaults; blank values in options remove a default.
func NewItem(id, content string, options, defaults map[string]string, now time.Time) (Item, error) {
	content = strings.TrimSpace(content)
	merged := make(map[string]string, len(defaults)+len(options))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range options {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	in := enqueueInput{Content: content, Orientation: merged["orientation"], Options: merged}
	if err := validatorInstance().Struct(in); err != nil {
		return Item{}, toValidationError(err)
	}
	if len(merged) == 0 {
		merged = nil
	}
	return Item{
		ID:        id,
		Content:   content,
		Options:   merged,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func toValidationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return err
	}
	fields := make(map[string]string, len(ves))
	for _, fe := range ves {
		fields[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return &ValidationError{Fields: fields}
}
