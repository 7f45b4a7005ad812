package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zph/phil/pkg/mongo"
)

// CancelPolicy decides what happens to started processes when the context
// is cancelled mid-bootstrap
type CancelPolicy string

const (
	LeaveRunning CancelPolicy = "leave-running"
	KillStarted  CancelPolicy = "kill-started"
)

// RetryPolicy bounds a polling loop. Intervals grow exponentially from
// InitialInterval up to MaxInterval; MaxAttempts counts every try including
// the first.
type RetryPolicy struct {
	MaxAttempts     int           `validate:"min=1"`
	InitialInterval time.Duration `validate:"gt=0"`
	MaxInterval     time.Duration `validate:"gtefield=InitialInterval"`
}

// DefaultRetry is used for reachability polling and transient command retries
func DefaultRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 30, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// DefaultPrimaryWait is used while waiting for an election
func DefaultPrimaryWait() RetryPolicy {
	return RetryPolicy{MaxAttempts: 60, InitialInterval: 250 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// Options configures a bootstrap run
type Options struct {
	// OnCancel must be chosen explicitly
	OnCancel CancelPolicy `validate:"required,oneof=leave-running kill-started"`

	// RollbackOnFailure stops started processes after a fatal error
	RollbackOnFailure bool

	Retry       RetryPolicy
	PrimaryWait RetryPolicy

	// AdoptRunning skips starting nodes that already answer ping
	AdoptRunning bool

	EnableBalancer   bool
	ShardedDatabases []string `validate:"dive,required,excludesall=/. $"`

	// MongoVersion skips the buildInfo lookup when set
	MongoVersion string

	// Credential creates a root user once the cluster is configured
	Credential *mongo.Credential

	// Metrics registers bootstrap metrics when set
	Metrics prometheus.Registerer
}

var validate = validator.New()

func (o Options) withDefaults() Options {
	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetry()
	}
	if o.PrimaryWait == (RetryPolicy{}) {
		o.PrimaryWait = DefaultPrimaryWait()
	}
	return o
}

// Validate checks the options after defaults are applied
func (o Options) Validate() error {
	o = o.withDefaults()

	if err := validate.Struct(o); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid options: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid options: %w", err)
	}

	if o.MongoVersion != "" {
		if _, err := mongo.ParseVersion(o.MongoVersion); err != nil {
			return fmt.Errorf("invalid options: %w", err)
		}
	}

	if c := o.Credential; c != nil && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("invalid options: credential needs a username and password")
	}
	return nil
}
