package model

import (
	"regexp"
	"time"
)

// AuthMethod selects how a subscription authenticates against its feed.
type AuthMethod string

const (
	AuthNone   AuthMethod = ""
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
)

// Auth is the optional credential attached to a subscription. Only the
// fields relevant to Method are read.
type Auth struct {
	Method AuthMethod `json:"method" yaml:"method"`
	User   string     `json:"user,omitempty" yaml:"user,omitempty"`
	Pass   string     `json:"pass,omitempty" yaml:"pass,omitempty"`
	Token  string     `json:"token,omitempty" yaml:"token,omitempty"`
}

// Subscription is one configured calendar source. URL is unique within an
// instance's store.
type Subscription struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Category string `json:"category"`
	Color    string `json:"color"`
	Auth     *Auth  `json:"auth,omitempty"`
}

// Event is a single calendar occurrence ready for display. Recurring
// series are flattened into independent Events.
type Event struct {
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	FullDay     bool      `json:"full_day"`
	Description string    `json:"description"`
	Location    string    `json:"location"`

	SourceName     string `json:"source_name"`
	SourceSymbol   string `json:"source_symbol"`
	SourceCategory string `json:"source_category"`
	SourceColor    string `json:"source_color"`
}

// Settings are the per-instance knobs the aggregation honors.
type Settings struct {
	MaximumEntries      int `json:"maximumEntries"`
	MaximumDaysInFuture int `json:"maximumDaysInFuture"`
}

const (
	DefaultMaximumEntries      = 10
	DefaultMaximumDaysInFuture = 90
)

// WithDefaults fills zero or negative values.
func (s Settings) WithDefaults() Settings {
	if s.MaximumEntries <= 0 {
		s.MaximumEntries = DefaultMaximumEntries
	}
	if s.MaximumDaysInFuture <= 0 {
		s.MaximumDaysInFuture = DefaultMaximumDaysInFuture
	}
	return s
}

// InstanceRequest is the context for one poll of one display instance.
type InstanceRequest struct {
	InstanceID    string
	Subscriptions []Subscription
	Settings      Settings
}

var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidInstanceID reports whether id is safe to use in file names and URL
// paths.
func ValidInstanceID(id string) bool {
	return len(id) <= 64 && id != "." && id != ".." && instanceIDPattern.MatchString(id)
}
