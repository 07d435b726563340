package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"perpd/internal/logger"
)

// Profile maps the core's abstract operations onto the exchange's concrete
// JSON-RPC method and channel names. The protocol envelope is fixed; the
// vocabulary is data supplied at deploy time.
type Profile struct {
	Methods  ProfileMethods  `json:"methods" yaml:"methods" mapstructure:"methods"`
	Channels ProfileChannels `json:"channels" yaml:"channels" mapstructure:"channels"`
}

type ProfileMethods struct {
	Auth           string `json:"auth" yaml:"auth" mapstructure:"auth"`
	PlaceBuy       string `json:"place_buy" yaml:"place_buy" mapstructure:"place_buy"`
	PlaceSell      string `json:"place_sell" yaml:"place_sell" mapstructure:"place_sell"`
	Cancel         string `json:"cancel" yaml:"cancel" mapstructure:"cancel"`
	OrderState     string `json:"order_state" yaml:"order_state" mapstructure:"order_state"`
	OpenOrders     string `json:"open_orders" yaml:"open_orders" mapstructure:"open_orders"`
	Position       string `json:"position" yaml:"position" mapstructure:"position"`
	AccountSummary string `json:"account_summary" yaml:"account_summary" mapstructure:"account_summary"`
	Subscribe      string `json:"subscribe" yaml:"subscribe" mapstructure:"subscribe"`
	Unsubscribe    string `json:"unsubscribe" yaml:"unsubscribe" mapstructure:"unsubscribe"`
	SetHeartbeat   string `json:"set_heartbeat" yaml:"set_heartbeat" mapstructure:"set_heartbeat"`
	TestResponse   string `json:"test_response" yaml:"test_response" mapstructure:"test_response"`
}

type ProfileChannels struct {
	Orders    string `json:"orders" yaml:"orders" mapstructure:"orders"`
	Trades    string `json:"trades" yaml:"trades" mapstructure:"trades"`
	Ticker    string `json:"ticker" yaml:"ticker" mapstructure:"ticker"`
	Portfolio string `json:"portfolio" yaml:"portfolio" mapstructure:"portfolio"`
}

const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["methods", "channels"],
  "properties": {
    "methods": {
      "type": "object",
      "required": ["auth", "place_buy", "place_sell", "cancel", "order_state",
                   "position", "account_summary", "subscribe", "set_heartbeat",
                   "test_response"],
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "channels": {
      "type": "object",
      "required": ["orders", "trades", "ticker"],
      "additionalProperties": {"type": "string", "minLength": 1}
    }
  }
}`

var compiledProfileSchema = jsonschema.MustCompileString("profile.json", profileSchema)

// ProfileStore holds the active exchange profile and supports hot reload.
// Readers always see a complete profile; swaps are atomic.
type ProfileStore struct {
	path    string
	current atomic.Pointer[Profile]
	watcher *viper.Viper
}

func NewProfileStore(path string) (*ProfileStore, error) {
	p, err := loadProfile(path)
	if err != nil {
		return nil, err
	}
	s := &ProfileStore{path: path}
	s.current.Store(p)
	return s, nil
}

func (s *ProfileStore) Current() Profile {
	return *s.current.Load()
}

// Watch reloads the profile whenever the file changes. An invalid edit keeps
// the previous profile active.
func (s *ProfileStore) Watch() {
	if s.watcher != nil {
		return
	}
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warnf("profile watch disabled, initial read failed: %v", err)
		return
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		p, err := loadProfile(s.path)
		if err != nil {
			logger.Warnf("profile reload rejected (%s): %v", evt.Name, err)
			return
		}
		s.current.Store(p)
		logger.Infof("exchange profile reloaded from %s", s.path)
	})
	v.WatchConfig()
	s.watcher = v
}

func loadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading exchange profile failed: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing exchange profile failed: %w", err)
	}
	// Round-trip through JSON so the schema validator sees the value shapes
	// encoding/json would produce.
	jsonRaw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var jsonDoc any
	if err := json.Unmarshal(jsonRaw, &jsonDoc); err != nil {
		return nil, err
	}
	if err := compiledProfileSchema.Validate(jsonDoc); err != nil {
		return nil, fmt.Errorf("exchange profile failed schema validation: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(jsonRaw, &p); err != nil {
		return nil, fmt.Errorf("decoding exchange profile failed: %w", err)
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) check() error {
	var missing []string
	required := map[string]string{
		"methods.auth":            p.Methods.Auth,
		"methods.place_buy":       p.Methods.PlaceBuy,
		"methods.place_sell":      p.Methods.PlaceSell,
		"methods.cancel":          p.Methods.Cancel,
		"methods.order_state":     p.Methods.OrderState,
		"methods.position":        p.Methods.Position,
		"methods.account_summary": p.Methods.AccountSummary,
		"methods.subscribe":       p.Methods.Subscribe,
		"methods.set_heartbeat":   p.Methods.SetHeartbeat,
		"methods.test_response":   p.Methods.TestResponse,
		"channels.orders":         p.Channels.Orders,
		"channels.trades":         p.Channels.Trades,
		"channels.ticker":         p.Channels.Ticker,
	}
	for name, val := range required {
		if strings.TrimSpace(val) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("exchange profile missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
