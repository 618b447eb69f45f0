package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"

	"github.com/shaunagostinho/vld1-bridge/internal/radar"
)

// fieldOp is one decoded parameter write, ready to send.
type fieldOp func(ctx context.Context) error

type fieldDecoder func(raw json.RawMessage) (fieldOp, error)

// scalar decodes a JSON value as T and binds it to the engine setter.
func scalar[T any](set func(context.Context, T) error) fieldDecoder {
	return func(raw json.RawMessage) (fieldOp, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", radar.ErrInvalidParam, err)
		}
		return func(ctx context.Context) error { return set(ctx, v) }, nil
	}
}

// scalarOrder is the order single-field commands are sent in.
var scalarOrder = []string{
	"distance_range",
	"threshold_offset",
	"min_range_filter",
	"max_range_filter",
	"target_filter",
	"distance_precision",
	"tx_power",
	"chirp_integration_count",
	"short_range_distance_filter",
}

// recordOnly fields have no single-field command and go out with SRPS.
var recordOnly = []string{"firmware_version", "unique_id", "distance_avg_count"}

func (s *Server) decoders() map[string]fieldDecoder {
	e := s.engine
	return map[string]fieldDecoder{
		"distance_range":              scalar(e.SetDistanceRange),
		"threshold_offset":            scalar(e.SetThresholdOffset),
		"min_range_filter":            scalar(e.SetMinRangeFilter),
		"max_range_filter":            scalar(e.SetMaxRangeFilter),
		"target_filter":               scalar(e.SetTargetFilter),
		"distance_precision":          scalar(e.SetPrecision),
		"tx_power":                    scalar(e.SetTxPower),
		"chirp_integration_count":     scalar(e.SetChirpIntegration),
		"short_range_distance_filter": scalar(e.SetShortRangeFilter),
	}
}

// patchParams applies a partial parameter record. Every field goes through
// its own engine command; record-only fields are merged into the snapshot and
// written with one SRPS. Everything is decoded before anything is sent. It
// returns the names of the fields the sensor accepted.
func (s *Server) patchParams(ctx context.Context, body []byte) ([]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", radar.ErrInvalidParam, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", radar.ErrInvalidParam)
	}

	decoders := s.decoders()
	for name := range fields {
		if _, ok := decoders[name]; !ok && !slices.Contains(recordOnly, name) {
			return nil, fmt.Errorf("%w: unknown field %q", radar.ErrInvalidParam, name)
		}
	}

	order := slices.Clone(scalarOrder)
	if raisesMinAboveMax(fields, s.engine.Params()) {
		// Moving the window up: max has to go first.
		i, j := slices.Index(order, "min_range_filter"), slices.Index(order, "max_range_filter")
		order[i], order[j] = order[j], order[i]
	}

	type namedOp struct {
		name string
		op   fieldOp
	}
	var ops []namedOp
	for _, name := range order {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		op, err := decoders[name](raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		ops = append(ops, namedOp{name, op})
	}

	var record *radar.Params
	var recordFields []string
	for _, name := range recordOnly {
		if _, ok := fields[name]; ok {
			recordFields = append(recordFields, name)
		}
	}
	if len(recordFields) > 0 {
		p := s.engine.Params()
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", radar.ErrInvalidParam, err)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		record = &p
	}

	var applied []string
	for _, o := range ops {
		if err := o.op(ctx); err != nil {
			return applied, fmt.Errorf("%s: %w", o.name, err)
		}
		applied = append(applied, o.name)
	}
	if record != nil {
		if err := s.engine.SetParams(ctx, *record); err != nil {
			return applied, err
		}
		applied = append(applied, recordFields...)
	}
	log.Printf("[server] parameters patched: %v", applied)
	return applied, nil
}

func rangeValue(fields map[string]json.RawMessage, name string) (uint16, bool) {
	raw, ok := fields[name]
	if !ok {
		return 0, false
	}
	var v uint16
	if json.Unmarshal(raw, &v) != nil {
		return 0, false
	}
	return v, true
}

func raisesMinAboveMax(fields map[string]json.RawMessage, cur radar.Params) bool {
	newMin, okMin := rangeValue(fields, "min_range_filter")
	_, okMax := fields["max_range_filter"]
	return okMin && okMax && newMin > cur.MaxRangeFilter
}
