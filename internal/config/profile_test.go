package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProfile = `
methods:
  auth: "public/auth"
  place_buy: "private/buy"
  place_sell: "private/sell"
  cancel: "private/cancel"
  order_state: "private/get_order_state"
  open_orders: "private/get_open_orders_by_instrument"
  position: "private/get_position"
  account_summary: "private/get_account_summary"
  subscribe: "private/subscribe"
  unsubscribe: "private/unsubscribe"
  set_heartbeat: "public/set_heartbeat"
  test_response: "public/test"
channels:
  orders: "user.orders.{instrument}.raw"
  trades: "user.trades.{instrument}.raw"
  ticker: "ticker.{instrument}.raw"
  portfolio: "user.portfolio.btc"
`

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestProfileStoreLoads(t *testing.T) {
	s, err := NewProfileStore(writeProfile(t, validProfile))
	require.NoError(t, err)

	p := s.Current()
	assert.Equal(t, "private/buy", p.Methods.PlaceBuy)
	assert.Equal(t, "user.trades.{instrument}.raw", p.Channels.Trades)
	assert.Equal(t, "user.portfolio.btc", p.Channels.Portfolio)
}

func TestProfileRejectsIncomplete(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty document", "{}\n"},
		{"missing channels", `
methods:
  auth: "public/auth"
  place_buy: "private/buy"
  place_sell: "private/sell"
  cancel: "private/cancel"
  order_state: "private/get_order_state"
  position: "private/get_position"
  account_summary: "private/get_account_summary"
  subscribe: "private/subscribe"
  set_heartbeat: "public/set_heartbeat"
  test_response: "public/test"
`},
		{"missing cancel method", `
methods:
  auth: "public/auth"
  place_buy: "private/buy"
  place_sell: "private/sell"
  order_state: "private/get_order_state"
  position: "private/get_position"
  account_summary: "private/get_account_summary"
  subscribe: "private/subscribe"
  set_heartbeat: "public/set_heartbeat"
  test_response: "public/test"
channels:
  orders: "a"
  trades: "b"
  ticker: "c"
`},
		{"not yaml", "::::\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewProfileStore(writeProfile(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestProfileMissingFile(t *testing.T) {
	_, err := NewProfileStore(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
