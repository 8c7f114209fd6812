package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
)

// Bucket is one hourly or daily slice of queue activity
type Bucket struct {
	Start        time.Time     `json:"start"`
	New          int           `json:"new"`
	Released     int           `json:"released"`
	AvgWait      time.Duration `json:"avgWait"`
	StillWaiting int           `json:"stillWaiting"`
}

// Report is the rollup for one queue over one time range. Every figure is
// a pure function of the session rows; the same input always yields the
// same report.
type Report struct {
	QueueID  uuid.UUID `json:"queueId"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Waiting  int       `json:"waiting"`
	Serving  int       `json:"serving"`
	Released int       `json:"released"`
	Dropped  int       `json:"dropped"`
	// AvgWait averages released_at - enqueued_at over Released sessions
	AvgWait time.Duration `json:"avgWait"`
	// AvgServe averages released_at - served_at over Released sessions
	// that passed through Serving
	AvgServe time.Duration `json:"avgServe"`
	// ThroughputPerHour is Released divided by the window length in hours
	ThroughputPerHour float64  `json:"throughputPerHour"`
	PeakHour          *Bucket  `json:"peakHour,omitempty"`
	Hourly            []Bucket `json:"hourly"`
	Daily             []Bucket `json:"daily"`
}

// Service computes rollups from the session store
type Service struct {
	sessions store.SessionRepo
}

func New(sessions store.SessionRepo) *Service {
	return &Service{sessions: sessions}
}

// Rollup builds the report for sessions enqueued within [from, to]
func (s *Service) Rollup(ctx context.Context, queueID uuid.UUID, from, to time.Time) (*Report, error) {
	if !to.After(from) {
		return nil, errs.Invalid("analytics range is empty or inverted")
	}
	rows, err := s.sessions.InRange(ctx, queueID, from, to)
	if err != nil {
		return nil, err
	}
	return Compute(queueID, from, to, rows), nil
}

// Compute is the pure rollup over a fixed session set
func Compute(queueID uuid.UUID, from, to time.Time, rows []*store.Session) *Report {
	r := &Report{QueueID: queueID, From: from, To: to}

	var waitSum, serveSum time.Duration
	var waitN, serveN int

	hourly := map[time.Time]*Bucket{}
	daily := map[time.Time]*Bucket{}

	bucketFor := func(m map[time.Time]*Bucket, at time.Time) *Bucket {
		b, ok := m[at]
		if !ok {
			b = &Bucket{Start: at}
			m[at] = b
		}
		return b
	}

	for _, row := range rows {
		hour := row.EnqueuedAt.UTC().Truncate(time.Hour)
		day := hour.Truncate(24 * time.Hour)
		hb, db := bucketFor(hourly, hour), bucketFor(daily, day)
		hb.New++
		db.New++

		switch row.Status {
		case store.SessionWaiting:
			r.Waiting++
			hb.StillWaiting++
			db.StillWaiting++
		case store.SessionServing:
			r.Serving++
		case store.SessionDropped:
			r.Dropped++
		case store.SessionReleased:
			r.Released++
			if row.ReleasedAt != nil {
				wait := row.ReleasedAt.Sub(row.EnqueuedAt)
				waitSum += wait
				waitN++

				rh := row.ReleasedAt.UTC().Truncate(time.Hour)
				rhb := bucketFor(hourly, rh)
				rhb.Released++
				rhb.AvgWait += wait // finalized to a mean below
				rdb := bucketFor(daily, rh.Truncate(24*time.Hour))
				rdb.Released++
				rdb.AvgWait += wait

				if row.ServedAt != nil {
					serveSum += row.ReleasedAt.Sub(*row.ServedAt)
					serveN++
				}
			}
		}
	}

	if waitN > 0 {
		r.AvgWait = waitSum / time.Duration(waitN)
	}
	if serveN > 0 {
		r.AvgServe = serveSum / time.Duration(serveN)
	}
	r.ThroughputPerHour = float64(r.Released) / to.Sub(from).Hours()

	r.Hourly = finalize(hourly)
	r.Daily = finalize(daily)

	for i := range r.Hourly {
		b := &r.Hourly[i]
		if r.PeakHour == nil || b.Released > r.PeakHour.Released {
			r.PeakHour = b
		}
	}
	return r
}

func finalize(m map[time.Time]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		if b.Released > 0 {
			b.AvgWait /= time.Duration(b.Released)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
