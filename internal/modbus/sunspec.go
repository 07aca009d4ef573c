package modbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/simonvetter/modbus"

	"energy-monitor/internal/logger"
	"energy-monitor/internal/topology"
)

const (
	modelEnd    = 0xFFFF
	commonModel = 1
	// models per device, a guard against a broken chain
	maxModels = 64
)

// Well-known SunSpec base addresses, tried in order.
var baseAddresses = []uint16{40000, 0, 50000}

var errNoSunSpec = errors.New("no SunSpec marker found")

type registerReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	SetUnitID(id uint8)
	Reconnect() error
}

// Scanner lists the SunSpec devices behind a Modbus TCP gateway, one per
// unit id.
type Scanner struct {
	reader  registerReader
	unitIDs []uint8
}

func NewScanner(r registerReader, unitIDs []uint8) *Scanner {
	return &Scanner{reader: r, unitIDs: unitIDs}
}

var _ topology.Source = (*Scanner)(nil)

// Inventory scans every unit id. A unit whose reads fail gets one retry on a
// fresh connection. Units that still do not answer with a SunSpec map are
// skipped; it fails only when no unit answers at all.
func (s *Scanner) Inventory(ctx context.Context) ([]topology.Entry, error) {
	var (
		entries []topology.Entry
		errs    []error
	)
	for _, id := range s.unitIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.reader.SetUnitID(id)
		e, err := s.scanUnit(id)
		if err != nil && !errors.Is(err, errNoSunSpec) {
			e, err = s.retryUnit(ctx, id, err)
		}
		if err != nil {
			logger.Ctx(ctx).DebugContext(ctx, "unit skipped", slog.Int("unit", int(id)), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("unit %d: %w", id, err))
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return entries, nil
}

// retryUnit reconnects after a failed read and scans the unit again.
func (s *Scanner) retryUnit(ctx context.Context, id uint8, cause error) (topology.Entry, error) {
	logger.Ctx(ctx).DebugContext(ctx, "unit read failed, reconnecting", slog.Int("unit", int(id)), slog.Any("error", cause))
	if err := s.reader.Reconnect(); err != nil {
		return topology.Entry{}, errors.Join(cause, fmt.Errorf("reconnect: %w", err))
	}
	s.reader.SetUnitID(id)
	return s.scanUnit(id)
}

func (s *Scanner) scanUnit(id uint8) (topology.Entry, error) {
	base, err := s.findBase()
	if err != nil {
		return topology.Entry{}, err
	}

	e := topology.Entry{Kind: "SunSpec", ID: strconv.Itoa(int(id))}
	addr := base + 2
	for i := 0; i < maxModels; i++ {
		hdr, err := s.reader.ReadHoldingRegisters(addr, 2)
		if err != nil {
			return topology.Entry{}, err
		}
		model, length := hdr[0], hdr[1]
		if model == modelEnd {
			return e, nil
		}
		e.Models = append(e.Models, model)

		if model == commonModel && length >= 65 {
			regs, err := s.reader.ReadHoldingRegisters(addr+2, 65)
			if err != nil {
				return topology.Entry{}, err
			}
			manufacturer := decodeString(regs[0:16])
			e.Model = strings.TrimSpace(manufacturer + " " + decodeString(regs[16:32]))
			e.Serial = decodeString(regs[48:64])
		}
		addr += 2 + length
	}
	return e, nil
}

// findBase probes the well-known base addresses. When no base could be read
// at all the last read error is returned instead of errNoSunSpec.
func (s *Scanner) findBase() (uint16, error) {
	var (
		answered bool
		lastErr  error
	)
	for _, base := range baseAddresses {
		regs, err := s.reader.ReadHoldingRegisters(base, 2)
		if err != nil {
			lastErr = err
			answered = answered || isException(err)
			continue
		}
		answered = true
		// "SunS"
		if regs[0] == 0x5375 && regs[1] == 0x6E53 {
			return base, nil
		}
	}
	if !answered && lastErr != nil {
		return 0, lastErr
	}
	return 0, errNoSunSpec
}

// isException reports whether the device answered with a Modbus exception,
// as opposed to the request getting lost.
func isException(err error) bool {
	return errors.Is(err, modbus.ErrIllegalFunction) ||
		errors.Is(err, modbus.ErrIllegalDataAddress) ||
		errors.Is(err, modbus.ErrIllegalDataValue)
}

// decodeString reads a big-endian, NUL padded register string.
func decodeString(regs []uint16) string {
	b := make([]byte, 0, len(regs)*2)
	for _, reg := range regs {
		b = append(b, byte(reg>>8), byte(reg&0xFF))
	}
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}
