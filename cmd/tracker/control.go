package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/live"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/trip"
)

// NATS request-reply endpoints for the driver and passenger collaborators.
const (
	subjectOptions     = "fleet.trip.options"
	subjectDestination = "fleet.trip.destination"
	subjectStart       = "fleet.trip.start"
	subjectCancel      = "fleet.trip.cancel"
	subjectSearch      = "fleet.trip.search"
)

const handlerTimeout = 10 * time.Second

type tripRequest struct {
	Bus         string `json:"bus"`
	Route       string `json:"route"`
	Destination string `json:"destination,omitempty"`
}

type searchRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

type reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"` // validation|persistence|not_found|internal

	Origin   string             `json:"originOption,omitempty"`
	Terminus string             `json:"terminusOption,omitempty"`
	Trips    []fleet.ActiveTrip `json:"trips,omitempty"`
}

type locationReport struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// controlSurface translates NATS messages into controller and feed calls.
type controlSurface struct {
	controller *trip.Controller
	feed       *trip.Feed
	log        *logrus.Logger
}

func (s *controlSurface) attach(ctx context.Context, nc *nats.Conn) ([]*nats.Subscription, error) {
	var subs []*nats.Subscription
	add := func(sub *nats.Subscription, err error) error {
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if err := add(nc.Subscribe(live.SubjectReportPrefix+".>", func(msg *nats.Msg) {
		s.handleLocation(ctx, msg)
	})); err != nil {
		return subs, err
	}
	if err := add(nc.Subscribe(subjectOptions, func(msg *nats.Msg) {
		s.respond(msg, func(ctx context.Context, req tripRequest) reply {
			opts, err := s.controller.SelectRoute(ctx, fleet.TripID{BusID: req.Bus, RouteName: req.Route})
			if err != nil {
				return errorReply(err)
			}
			return reply{OK: true, Origin: opts.Origin, Terminus: opts.Terminus}
		})
	})); err != nil {
		return subs, err
	}
	if err := add(nc.Subscribe(subjectDestination, func(msg *nats.Msg) {
		s.respond(msg, func(ctx context.Context, req tripRequest) reply {
			err := s.controller.ChangeDestination(ctx, fleet.TripID{BusID: req.Bus, RouteName: req.Route}, req.Destination)
			if err != nil {
				return errorReply(err)
			}
			return reply{OK: true}
		})
	})); err != nil {
		return subs, err
	}
	if err := add(nc.Subscribe(subjectStart, func(msg *nats.Msg) {
		s.respond(msg, func(ctx context.Context, req tripRequest) reply {
			err := s.controller.Start(ctx, fleet.TripID{BusID: req.Bus, RouteName: req.Route}, req.Destination)
			if err != nil {
				return errorReply(err)
			}
			return reply{OK: true}
		})
	})); err != nil {
		return subs, err
	}
	if err := add(nc.Subscribe(subjectCancel, func(msg *nats.Msg) {
		s.respond(msg, func(ctx context.Context, req tripRequest) reply {
			err := s.controller.Cancel(ctx, fleet.TripID{BusID: req.Bus, RouteName: req.Route})
			if err != nil {
				return errorReply(err)
			}
			return reply{OK: true}
		})
	})); err != nil {
		return subs, err
	}
	if err := add(nc.Subscribe(subjectSearch, func(msg *nats.Msg) {
		var req searchRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, reply{Error: "malformed request", Kind: "validation"})
			return
		}
		hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()
		trips, err := s.feed.Search(hctx, req.Origin, req.Destination)
		if err != nil {
			s.reply(msg, errorReply(err))
			return
		}
		s.reply(msg, reply{OK: true, Trips: trips})
	})); err != nil {
		return subs, err
	}
	return subs, nil
}

func (s *controlSurface) handleLocation(ctx context.Context, msg *nats.Msg) {
	id, err := live.TripIDFromReportSubject(msg.Subject)
	if err != nil {
		s.log.WithField("subject", msg.Subject).Debug("ignoring malformed location subject")
		return
	}
	var report locationReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		s.log.WithField("trip", id.String()).Debug("ignoring malformed location report")
		return
	}
	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	if err := s.controller.ReportLocation(hctx, id, report.Lat, report.Lon, report.Timestamp); err != nil {
		s.log.WithField("trip", id.String()).WithError(err).Warn("location report failed")
	}
}

func (s *controlSurface) respond(msg *nats.Msg, fn func(context.Context, tripRequest) reply) {
	var req tripRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Bus == "" || req.Route == "" {
		s.reply(msg, reply{Error: "malformed request", Kind: "validation"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	s.reply(msg, fn(ctx, req))
}

func (s *controlSurface) reply(msg *nats.Msg, r reply) {
	if msg.Reply == "" {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		s.log.WithError(err).Error("encode reply")
		return
	}
	if err := msg.Respond(b); err != nil {
		s.log.WithError(err).Warn("send reply")
	}
}

func errorReply(err error) reply {
	var verr *fleet.ValidationError
	var perr *fleet.PersistenceError
	switch {
	case errors.As(err, &verr):
		return reply{Error: err.Error(), Kind: "validation"}
	case errors.As(err, &perr):
		return reply{Error: err.Error(), Kind: "persistence"}
	case errors.Is(err, fleet.ErrNotFound):
		return reply{Error: err.Error(), Kind: "not_found"}
	default:
		return reply{Error: err.Error(), Kind: "internal"}
	}
}
