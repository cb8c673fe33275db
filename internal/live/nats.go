package live

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
)

// Subject layout under the fleet namespace. Drivers report on the report
// subjects; observers outside the process watch the live subjects. Keeping
// the two apart avoids relaying our own mirror back into the ingest path.
const (
	SubjectLivePrefix   = "fleet.location.live"
	SubjectReportPrefix = "fleet.location.report"
)

// RelayMetrics is the slice of the metrics collector the relay needs.
type RelayMetrics interface {
	SamplePublishedInc()
	SamplePublishErrInc()
	SetConnected(connected bool)
}

// NATSRelay mirrors broker publishes to per-trip NATS subjects and exposes
// the connection for the command/ingest surface in cmd.
type NATSRelay struct {
	nc          *nats.Conn
	log         *logrus.Logger
	logSubjects bool
	metrics     RelayMetrics
}

func NewNATSRelay(url, name string, logSubjects bool, log *logrus.Logger, m RelayMetrics) (*NATSRelay, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.SetConnected(true)
	}
	return &NATSRelay{nc: nc, log: log, logSubjects: logSubjects, metrics: m}, nil
}

func (r *NATSRelay) Conn() *nats.Conn { return r.nc }

func (r *NATSRelay) Close() {
	if r.nc != nil {
		r.nc.Drain()
		r.nc.Close()
	}
}

// PublishLive mirrors one sample. Failures are counted and logged, never
// surfaced: the in-process broker already delivered the sample and the next
// GPS tick retries naturally.
func (r *NATSRelay) PublishLive(s fleet.LocationSample) {
	subject := LiveSubject(s.TripID)
	b, err := json.Marshal(s)
	if err != nil {
		r.log.WithField("trip", s.TripID.String()).WithError(err).Error("encode live sample")
		return
	}
	if r.logSubjects {
		r.log.WithField("subject", subject).Debug("nats publish")
	}
	if err := r.nc.Publish(subject, b); err != nil {
		if r.metrics != nil {
			r.metrics.SamplePublishErrInc()
		}
		r.log.WithField("trip", s.TripID.String()).WithError(err).Warn("publish live sample")
		return
	}
	if r.metrics != nil {
		r.metrics.SamplePublishedInc()
	}
}

func LiveSubject(id fleet.TripID) string {
	return fmt.Sprintf("%s.%s.%s", SubjectLivePrefix, subjectToken(id.BusID), subjectToken(id.RouteName))
}

func ReportSubject(id fleet.TripID) string {
	return fmt.Sprintf("%s.%s.%s", SubjectReportPrefix, subjectToken(id.BusID), subjectToken(id.RouteName))
}

// TripIDFromReportSubject recovers the trip key from an ingest subject.
func TripIDFromReportSubject(subject string) (fleet.TripID, error) {
	rest, ok := strings.CutPrefix(subject, SubjectReportPrefix+".")
	if !ok {
		return fleet.TripID{}, fmt.Errorf("unexpected subject %q", subject)
	}
	bus, route, ok := strings.Cut(rest, ".")
	if !ok || bus == "" || route == "" {
		return fleet.TripID{}, fmt.Errorf("unexpected subject %q", subject)
	}
	return fleet.TripID{BusID: bus, RouteName: route}, nil
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS tokens cannot contain spaces, '>', '*' or '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
