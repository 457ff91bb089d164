package instrument

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
	"github.com/vnarwal17/zerodha/shared"
)

type fetcherMock struct {
	calls int
	err   error
	set   []Instrument
}

func (f *fetcherMock) FetchInstruments(ctx context.Context, exchange string) ([]Instrument, error) {
	f.calls++
	return f.set, f.err
}

func setupDirectory(t *testing.T, fetcher *fetcherMock, now *time.Time) *Directory {
	logger := zerolog.Nop()
	dir, err := NewDirectory(&DirectoryConfig{
		Exchange:         shared.Exchange,
		FetchInstruments: fetcher.FetchInstruments,
		Now:              func() time.Time { return *now },
		Logger:           &logger,
	})
	assert.NoError(t, err)

	return dir
}

func TestDirectoryConfigValidate(t *testing.T) {
	cfg := &DirectoryConfig{}
	err := cfg.Validate()
	assert.Error(t, err)
	for _, substr := range []string{"exchange", "fetch instruments", "now function", "logger"} {
		assert.True(t, strings.Contains(err.Error(), substr))
	}
}

func TestDirectory(t *testing.T) {
	fetcher := &fetcherMock{
		set: []Instrument{
			{Token: 779521, Symbol: "SBIN", Exchange: "NSE"},
			{Token: 408065, Symbol: "INFY", Exchange: "NSE"},
			{Token: 2953217, Symbol: "TCS", Exchange: ""},
		},
	}
	now := time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)
	dir := setupDirectory(t, fetcher, &now)

	// Ensure nothing resolves before a refresh.
	_, err := dir.Resolve("SBIN", "NSE")
	assert.True(t, shared.IsKind(err, shared.NotFound))

	// Ensure a refresh loads the instrument master.
	assert.NoError(t, dir.Refresh(context.Background()))
	token, err := dir.Resolve("SBIN", "NSE")
	assert.NoError(t, err)
	assert.Equal(t, token, uint32(779521))

	symbol, ok := dir.Symbol(408065)
	assert.True(t, ok)
	assert.Equal(t, symbol, "INFY")

	// Ensure unknown symbols fail with not found.
	_, err = dir.Resolve("XYZ", "NSE")
	assert.True(t, shared.IsKind(err, shared.NotFound))
	_, err = dir.Resolve("SBIN", "BSE")
	assert.True(t, shared.IsKind(err, shared.NotFound))

	// Ensure resolution falls back to a bare symbol key.
	fetcher.set = append(fetcher.set, Instrument{Token: 1, Symbol: "LEGACY"})
	assert.NoError(t, dir.Refresh(context.Background()))
	assert.Equal(t, fetcher.calls, 1)

	// Ensure the master refreshes at most once per calendar day.
	now = now.Add(24 * time.Hour)
	assert.NoError(t, dir.Refresh(context.Background()))
	assert.Equal(t, fetcher.calls, 2)
	token, err = dir.Resolve("LEGACY", "NSE")
	assert.NoError(t, err)
	assert.Equal(t, token, uint32(1))

	// Ensure a failed refresh keeps the loaded set.
	now = now.Add(24 * time.Hour)
	fetcher.err = errors.New("timeout")
	assert.Error(t, dir.Refresh(context.Background()))
	_, err = dir.Resolve("SBIN", "NSE")
	assert.NoError(t, err)
	assert.True(t, dir.LastUpdate().Before(now))

	// Ensure batch resolution skips unknown symbols.
	set := dir.ResolveAll([]string{"SBIN", "XYZ", "INFY"})
	assert.Equal(t, cmp.Diff(map[string]uint32{"SBIN": 779521, "INFY": 408065}, set), "")
}

func TestExpandSymbols(t *testing.T) {
	// Ensure plain symbols are normalized and deduplicated.
	got := ExpandSymbols([]string{" sbin", "INFY", "SBIN", ""})
	assert.Equal(t, cmp.Diff([]string{"SBIN", "INFY"}, got), "")

	// Ensure index aliases expand to their constituents.
	got = ExpandSymbols([]string{"@banknifty"})
	assert.Equal(t, len(got), 12)
	assert.Equal(t, got[0], "HDFCBANK")

	got = ExpandSymbols([]string{Nifty50Alias, BankNiftyAlias})
	assert.Equal(t, got[len(got)-1], "AUBANK")
	assert.Equal(t, len(got), 50+6)
}
