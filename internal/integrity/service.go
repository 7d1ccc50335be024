/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package integrity audits stored machine timelines on a schedule.
package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/foreman/internal/models"
	"github.com/friendsincode/foreman/internal/scheduling"
	"github.com/friendsincode/foreman/internal/telemetry"
)

// MachineLister enumerates machines to audit.
type MachineLister interface {
	ListMachines(ctx context.Context) ([]models.Machine, error)
}

// Validator audits one machine over a range.
type Validator interface {
	Validate(ctx context.Context, machineID string, start, end time.Time) (*scheduling.ValidationResult, error)
}

// Config tunes the audit window and cadence.
type Config struct {
	Interval  time.Duration
	Lookback  time.Duration
	Lookahead time.Duration
	Now       func() time.Time
}

// Report summarises one scan over every active machine.
type Report struct {
	GeneratedAt time.Time
	Total       int
	ByType      map[scheduling.ViolationType]int
	Machines    []*scheduling.ValidationResult
	// Failed lists machines whose audit could not run.
	Failed []string
}

type Service struct {
	machines  MachineLister
	validator Validator
	cfg       Config
	logger    zerolog.Logger
}

func NewService(machines MachineLister, validator Validator, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		machines:  machines,
		validator: validator,
		cfg:       cfg,
		logger:    logger.With().Str("component", "integrity").Logger(),
	}
}

// Scan audits every active machine from now-Lookback to now+Lookahead.
// A machine that fails to load is recorded and skipped.
func (s *Service) Scan(ctx context.Context) (*Report, error) {
	machines, err := s.machines.ListMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}

	now := s.cfg.Now().UTC()
	from, to := now.Add(-s.cfg.Lookback), now.Add(s.cfg.Lookahead)
	report := &Report{
		GeneratedAt: now,
		ByType:      make(map[scheduling.ViolationType]int),
	}

	for _, m := range machines {
		if !m.Active {
			continue
		}
		res, err := s.validator.Validate(ctx, m.ID, from, to)
		if err != nil {
			s.logger.Warn().Err(err).Str("machine_id", m.ID).Msg("machine audit failed")
			report.Failed = append(report.Failed, m.ID)
			continue
		}
		report.Machines = append(report.Machines, res)
		for _, v := range append(res.Errors, res.Warnings...) {
			report.ByType[v.Type]++
			report.Total++
			telemetry.IntegrityFindingsTotal.WithLabelValues(string(v.Type)).Inc()
		}
	}

	if report.Total > 0 {
		s.logger.Warn().Int("total_findings", report.Total).Interface("by_type", report.ByType).Msg("integrity scan completed with findings")
	} else {
		s.logger.Debug().Int("machines", len(report.Machines)).Msg("integrity scan clean")
	}
	return report, nil
}

// Run scans on every tick until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("integrity loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("integrity loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				s.logger.Error().Err(err).Msg("integrity scan failed")
				telemetry.IntegrityScansTotal.WithLabelValues("error").Inc()
				continue
			}
			telemetry.IntegrityScansTotal.WithLabelValues("ok").Inc()
		}
	}
}
