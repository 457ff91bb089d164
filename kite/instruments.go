package kite

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/vnarwal17/zerodha/instrument"
	"github.com/vnarwal17/zerodha/shared"
)

// equityType is the instrument type of cash equities.
const equityType = "EQ"

// ParseInstruments parses the equity instruments of the provided exchange
// from the instrument master csv dump.
func ParseInstruments(r io.Reader, exchange string) ([]instrument.Instrument, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading instruments header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for idx, name := range header {
		columns[name] = idx
	}

	required := []string{"instrument_token", "tradingsymbol", "name", "tick_size",
		"lot_size", "instrument_type", "segment", "exchange"}
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("instruments header missing column %q", name)
		}
	}

	set := []instrument.Instrument{}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading instruments line %d: %w", line, err)
		}

		if record[columns["exchange"]] != exchange || record[columns["segment"]] != exchange ||
			record[columns["instrument_type"]] != equityType {
			continue
		}

		token, err := strconv.ParseUint(record[columns["instrument_token"]], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing instrument token on line %d: %w", line, err)
		}

		tickSize, _ := strconv.ParseFloat(record[columns["tick_size"]], 64)
		lotSize, _ := strconv.Atoi(record[columns["lot_size"]])

		set = append(set, instrument.Instrument{
			Token:    uint32(token),
			Symbol:   record[columns["tradingsymbol"]],
			Exchange: record[columns["exchange"]],
			Name:     record[columns["name"]],
			TickSize: tickSize,
			LotSize:  lotSize,
		})
	}

	return set, nil
}

// FetchInstruments fetches the equity instrument master of the provided exchange.
func (c *Client) FetchInstruments(ctx context.Context, exchange string) ([]instrument.Instrument, error) {
	const op = "fetch instruments"

	data, err := c.request(ctx, op, http.MethodGet, "/instruments/"+exchange, nil, nil)
	if err != nil {
		return nil, err
	}

	set, err := ParseInstruments(bytes.NewReader(data), exchange)
	if err != nil {
		return nil, shared.NewError(shared.DataUnavailable, op, err)
	}

	if len(set) == 0 {
		return nil, shared.Errorf(shared.DataUnavailable, op, "no %s equity instruments listed", exchange)
	}

	return set, nil
}
