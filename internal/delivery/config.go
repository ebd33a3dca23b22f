package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultMaxImmediateAttempts = 3
	DefaultMaxQueueAttempts     = 8
	DefaultBatchLimit           = 50

	// Upper bounds for attempt counts, from config or per call.
	MaxImmediateAttemptsLimit = 20
	MaxQueueAttemptsLimit     = 1000
	DefaultSource               = "notifyd"

	DefaultImmediateBaseDelay = 150 * time.Millisecond
	DefaultImmediateMaxDelay  = time.Second
	DefaultQueueBaseDelay     = 30 * time.Second
	DefaultQueueMaxDelay      = 30 * time.Minute

	DefaultStoreTimeout        = 5 * time.Second
	DefaultStaleWindow         = 10 * time.Minute
	DefaultPendingQueueWarning = 200

	maxLastErrorLen = 1000
)

// Config controls the pipeline. Zero values take the defaults above; a nil
// QueueOnFailure means true and nil Thresholds means DefaultThresholds.
type Config struct {
	MaxImmediateAttempts int `validate:"gte=1,lte=20"`
	QueueOnFailure       *bool
	MaxQueueAttempts     int `validate:"gte=1,lte=1000"`
	Source               string

	ImmediateBaseDelay time.Duration `validate:"gte=0"`
	ImmediateMaxDelay  time.Duration `validate:"gtefield=ImmediateBaseDelay"`
	QueueBaseDelay     time.Duration `validate:"gt=0"`
	QueueMaxDelay      time.Duration `validate:"gtefield=QueueBaseDelay"`

	BatchLimit   int           `validate:"gte=1,lte=1000"`
	StoreTimeout time.Duration `validate:"gt=0"`
	// WritesPerSec throttles the processor's store writes; 0 disables it.
	WritesPerSec float64 `validate:"gte=0"`

	Thresholds    *Thresholds
	StaleWindow   time.Duration `validate:"gt=0"`
	StatsCacheTTL time.Duration `validate:"gte=0"`
}

// DefaultThresholds: any dead letter or stale entry degrades, and more than
// 200 pending entries degrades.
func DefaultThresholds() Thresholds {
	return Thresholds{DeadLetter: 0, StalePending: 0, PendingQueueWarning: DefaultPendingQueueWarning}
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxImmediateAttempts <= 0 {
		c.MaxImmediateAttempts = DefaultMaxImmediateAttempts
	}
	if c.QueueOnFailure == nil {
		c.QueueOnFailure = Bool(true)
	}
	if c.MaxQueueAttempts <= 0 {
		c.MaxQueueAttempts = DefaultMaxQueueAttempts
	}
	c.Source = strings.TrimSpace(c.Source)
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.ImmediateBaseDelay <= 0 {
		c.ImmediateBaseDelay = DefaultImmediateBaseDelay
	}
	if c.ImmediateMaxDelay <= 0 {
		c.ImmediateMaxDelay = DefaultImmediateMaxDelay
	}
	if c.QueueBaseDelay <= 0 {
		c.QueueBaseDelay = DefaultQueueBaseDelay
	}
	if c.QueueMaxDelay <= 0 {
		c.QueueMaxDelay = DefaultQueueMaxDelay
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.WritesPerSec < 0 {
		c.WritesPerSec = 0
	}
	th := DefaultThresholds()
	if c.Thresholds != nil {
		th = *c.Thresholds
	}
	c.Thresholds = &th
	if c.StaleWindow <= 0 {
		c.StaleWindow = DefaultStaleWindow
	}
	if c.StatsCacheTTL < 0 {
		c.StatsCacheTTL = 0
	}
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks c after defaults are applied. All violations are joined
// into one error.
func (c Config) Validate() error {
	err := validate.Struct(c.withDefaults())
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag()+paramSuffix(fe.Param()), fe.Value()))
	}
	return fmt.Errorf("invalid delivery config: %s", strings.Join(msgs, "; "))
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
