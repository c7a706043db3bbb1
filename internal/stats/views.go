package stats

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/patrickspencer/queuewatch/internal/store"
)

// ProcCountAttribute is the job attribute holding the number of payload
// processes that shared the node.
const ProcCountAttribute = "proc_count"

// Rate is the success rate of jobs that ended within a trailing window.
type Rate struct {
	Hours          int     `json:"hours"`
	Success        int     `json:"success"`
	Failure        int     `json:"failure"`
	Total          int     `json:"total"`
	SuccessPercent float64 `json:"success_percent"`
}

// FailureRate summarizes completed jobs that ended in the last hours.
// SuccessPercent is 100 when nothing completed.
func FailureRate(records []*store.JobRecord, hours int, now time.Time) Rate {
	w := Trailing(hours, now)
	rate := Rate{Hours: hours}
	for _, r := range records {
		if !r.Completed || !w.Contains(r.EndTime) {
			continue
		}
		if r.Outcome == store.OutcomeSuccess {
			rate.Success++
		} else {
			rate.Failure++
		}
	}
	rate.Total = rate.Success + rate.Failure
	rate.SuccessPercent = 100
	if rate.Total > 0 {
		rate.SuccessPercent = 100 * float64(rate.Success) / float64(rate.Total)
	}
	return rate
}

// FailureRates computes FailureRate for each window.
func FailureRates(records []*store.JobRecord, hours []int, now time.Time) []Rate {
	out := make([]Rate, 0, len(hours))
	for _, h := range hours {
		out = append(out, FailureRate(records, h, now))
	}
	return out
}

// Count is one group of a breakdown.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

const unknownKey = "unknown"

// FailuresByNode groups failed and lost jobs that ended in the last hours
// by executing node, largest group first.
func FailuresByNode(records []*store.JobRecord, hours int, now time.Time) []Count {
	return groupFailures(records, hours, now, func(r *store.JobRecord) string { return r.Node })
}

// FailuresByReason groups failed and lost jobs that ended in the last
// hours by failure reason, largest group first.
func FailuresByReason(records []*store.JobRecord, hours int, now time.Time) []Count {
	return groupFailures(records, hours, now, func(r *store.JobRecord) string { return r.FailureReason })
}

func groupFailures(records []*store.JobRecord, hours int, now time.Time, key func(*store.JobRecord) string) []Count {
	counts := make(map[string]int)
	for _, r := range FailedJobs(records, hours, now) {
		k := key(r)
		if k == "" {
			k = unknownKey
		}
		counts[k]++
	}
	out := make([]Count, 0, len(counts))
	for k, n := range counts {
		out = append(out, Count{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// FailedJobs returns failed and lost jobs that ended in the last hours.
func FailedJobs(records []*store.JobRecord, hours int, now time.Time) []*store.JobRecord {
	w := Trailing(hours, now)
	var out []*store.JobRecord
	for _, r := range records {
		if r.Completed && r.Outcome != store.OutcomeSuccess && w.Contains(r.EndTime) {
			out = append(out, r)
		}
	}
	return out
}

// RecentSuccesses returns successful jobs that started in the last hours.
func RecentSuccesses(records []*store.JobRecord, hours int, now time.Time) []*store.JobRecord {
	w := Trailing(hours, now)
	var out []*store.JobRecord
	for _, r := range records {
		if r.Completed && r.Outcome == store.OutcomeSuccess && w.Contains(r.StartTime) {
			out = append(out, r)
		}
	}
	return out
}

// LongRunning returns recent successes whose runtime exceeds threshold.
// A non-positive threshold disables detection.
func LongRunning(records []*store.JobRecord, threshold time.Duration, hours int, now time.Time) []*store.JobRecord {
	if threshold <= 0 {
		return nil
	}
	var out []*store.JobRecord
	for _, r := range RecentSuccesses(records, hours, now) {
		if d, ok := r.Runtime(); ok && d > threshold {
			out = append(out, r)
		}
	}
	return out
}

// Percentile is one runtime quantile in seconds.
type Percentile struct {
	P       float64 `json:"p"`
	Seconds int64   `json:"seconds"`
}

// RuntimePercentiles returns nearest-rank percentiles of successful job
// runtimes that ended in the last hours. It returns nil when no runtime is
// known.
func RuntimePercentiles(records []*store.JobRecord, hours int, now time.Time, ps ...float64) []Percentile {
	w := Trailing(hours, now)
	var runtimes []int64
	for _, r := range records {
		if r.Outcome != store.OutcomeSuccess || !w.Contains(r.EndTime) {
			continue
		}
		if d, ok := r.Runtime(); ok {
			runtimes = append(runtimes, int64(d/time.Second))
		}
	}
	if len(runtimes) == 0 {
		return nil
	}
	sort.Slice(runtimes, func(i, j int) bool { return runtimes[i] < runtimes[j] })

	out := make([]Percentile, 0, len(ps))
	for _, p := range ps {
		p = math.Max(0, math.Min(100, p))
		rank := int(math.Ceil(p / 100 * float64(len(runtimes))))
		if rank < 1 {
			rank = 1
		}
		out = append(out, Percentile{P: p, Seconds: runtimes[rank-1]})
	}
	return out
}

// OccupancyPoint relates one job's runtime to how busy its node was.
type OccupancyPoint struct {
	Counter   int64     `json:"counter"`
	Start     time.Time `json:"start"`
	Runtime   int64     `json:"runtime"`
	ProcCount float64   `json:"proc_count"`
}

// OccupancyReport is the runtime against node occupancy series.
type OccupancyReport struct {
	Points []OccupancyPoint `json:"points"`
	// Correlation is the Pearson coefficient of runtime and proc count. It
	// is only meaningful when HasCorrelation is true.
	Correlation    float64 `json:"correlation"`
	HasCorrelation bool    `json:"has_correlation"`
}

// Occupancy builds the occupancy series from recent successes that carry a
// numeric proc_count attribute.
func Occupancy(records []*store.JobRecord, hours int, now time.Time) OccupancyReport {
	var rep OccupancyReport
	for _, r := range RecentSuccesses(records, hours, now) {
		d, ok := r.Runtime()
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(r.Attributes[ProcCountAttribute], 64)
		if err != nil {
			continue
		}
		rep.Points = append(rep.Points, OccupancyPoint{
			Counter:   r.Counter,
			Start:     r.StartTime,
			Runtime:   int64(d / time.Second),
			ProcCount: n,
		})
	}

	xs := make([]float64, len(rep.Points))
	ys := make([]float64, len(rep.Points))
	for i, p := range rep.Points {
		xs[i], ys[i] = p.ProcCount, float64(p.Runtime)
	}
	rep.Correlation, rep.HasCorrelation = pearson(xs, ys)
	return rep
}

func pearson(xs, ys []float64) (float64, bool) {
	n := float64(len(xs))
	if len(xs) < 2 {
		return 0, false
	}
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= n
	my /= n

	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0, false
	}
	return cov / math.Sqrt(vx*vy), true
}
