package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// StageDuration holds duration stats for one working status.
type StageDuration struct {
	Status string  `json:"status"`
	Count  int     `json:"count"`
	Avg    float64 `json:"avg_minutes"`
	P50    float64 `json:"p50_minutes"`
	P95    float64 `json:"p95_minutes"`
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

type ledgerEvent struct {
	session string
	event   string
	stage   string
	detail  string
	at      time.Time
}

// loadEvents reads the named lab events grouped by lab, in ledger order.
// names are fixed event names, never user input. Rows older than
// since are dropped when since is non-zero.
func loadEvents(database DB, since time.Time, names ...string) ([]ledgerEvent, error) {
	query := `SELECT session_id, event, stage, detail, timestamp
		FROM lab_events WHERE event IN ('` + strings.Join(names, "', '") + `')
		ORDER BY session_id, id`

	rows, err := database.Conn().Query(query)
	if err != nil {
		return nil, fmt.Errorf("query lab events: %w", err)
	}
	defer rows.Close()

	var out []ledgerEvent
	for rows.Next() {
		var e ledgerEvent
		var stage, detail sql.NullString
		var ts string
		if err := rows.Scan(&e.session, &e.event, &stage, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan lab event: %w", err)
		}
		at, err := parseTimestamp(ts)
		if err != nil {
			continue
		}
		if !since.IsZero() && at.Before(since) {
			continue
		}
		e.stage, e.detail, e.at = stage.String, detail.String, at
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryStageDurations returns average and percentile time spent in each
// working status. Each transition is paired with the next transition or
// failure of the same lab; the gap is attributed to the status entered.
func QueryStageDurations(database DB, since time.Time) ([]StageDuration, error) {
	events, err := loadEvents(database, since, "transition", "failed")
	if err != nil {
		return nil, err
	}

	durations := make(map[string][]float64)
	for i := 0; i+1 < len(events); i++ {
		cur, next := events[i], events[i+1]
		if cur.event != "transition" || cur.session != next.session {
			continue
		}
		switch cur.stage {
		case "done", "failed":
			continue
		}
		if minutes := next.at.Sub(cur.at).Minutes(); minutes > 0 {
			durations[cur.stage] = append(durations[cur.stage], minutes)
		}
	}

	var results []StageDuration
	for status, ds := range durations {
		sort.Float64s(ds)
		results = append(results, StageDuration{
			Status: status,
			Count:  len(ds),
			Avg:    avg(ds),
			P50:    percentile(ds, 50),
			P95:    percentile(ds, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Status < results[j].Status
	})
	return results, nil
}

// OutcomeRate holds validation run stats for one outcome.
type OutcomeRate struct {
	Outcome     string  `json:"outcome"`
	Count       int     `json:"count"`
	Share       float64 `json:"share_pct"`
	AvgDuration float64 `json:"avg_duration_minutes"`
}

// QueryValidationOutcomes returns how validation runs ended: pass, fail or
// the failure kind that stopped them.
func QueryValidationOutcomes(database DB, since time.Time) ([]OutcomeRate, error) {
	rows, err := database.Conn().Query(`SELECT outcome, duration_ms, timestamp FROM validation_runs`)
	if err != nil {
		return nil, fmt.Errorf("query validation outcomes: %w", err)
	}
	defer rows.Close()

	type tally struct {
		count int
		ms    int64
	}
	byOutcome := make(map[string]*tally)
	total := 0
	for rows.Next() {
		var outcome, ts string
		var ms int64
		if err := rows.Scan(&outcome, &ms, &ts); err != nil {
			return nil, fmt.Errorf("scan validation outcome: %w", err)
		}
		if at, err := parseTimestamp(ts); err == nil && !since.IsZero() && at.Before(since) {
			continue
		}
		t, ok := byOutcome[outcome]
		if !ok {
			t = &tally{}
			byOutcome[outcome] = t
		}
		t.count++
		t.ms += ms
		total++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []OutcomeRate
	for outcome, t := range byOutcome {
		results = append(results, OutcomeRate{
			Outcome:     outcome,
			Count:       t.count,
			Share:       pct(t.count, total),
			AvgDuration: math.Round(float64(t.ms)/float64(t.count)/60000*10) / 10,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Outcome < results[j].Outcome
	})
	return results, nil
}

// FailureBreakdown counts failures by stage and kind.
type FailureBreakdown struct {
	Stage string `json:"stage"`
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// QueryFailures groups "failed" events by the stage and failure kind they
// recorded, most frequent first.
func QueryFailures(database DB, since time.Time) ([]FailureBreakdown, error) {
	events, err := loadEvents(database, since, "failed")
	if err != nil {
		return nil, err
	}

	counts := make(map[[2]string]int)
	for _, e := range events {
		kind, _, _ := strings.Cut(e.detail, ":")
		counts[[2]string{e.stage, strings.TrimSpace(kind)}]++
	}

	var results []FailureBreakdown
	for k, n := range counts {
		results = append(results, FailureBreakdown{Stage: k[0], Kind: k[1], Count: n})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		if results[i].Stage != results[j].Stage {
			return results[i].Stage < results[j].Stage
		}
		return results[i].Kind < results[j].Kind
	})
	return results, nil
}

// Throughput holds lab throughput for one ISO week.
type Throughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration_hours"`
}

// QueryThroughput returns lab counts per ISO week, newest first, limited to
// the last ten weeks with activity. AvgDuration is measured from creation
// to done for labs completed in that week.
func QueryThroughput(database DB, since time.Time) ([]Throughput, error) {
	events, err := loadEvents(database, since, "created", "transition", "failed")
	if err != nil {
		return nil, err
	}

	weeks := make(map[string]*Throughput)
	hours := make(map[string][]float64)
	week := func(t time.Time) *Throughput {
		y, w := t.UTC().ISOWeek()
		key := fmt.Sprintf("%d-W%02d", y, w)
		if _, ok := weeks[key]; !ok {
			weeks[key] = &Throughput{Period: key}
		}
		return weeks[key]
	}

	created := make(map[string]time.Time)
	for _, e := range events {
		switch {
		case e.event == "created":
			created[e.session] = e.at
			week(e.at).Created++
		case e.event == "transition" && e.stage == "done":
			wk := week(e.at)
			wk.Completed++
			if start, ok := created[e.session]; ok {
				hours[wk.Period] = append(hours[wk.Period], e.at.Sub(start).Hours())
			}
		case e.event == "failed":
			week(e.at).Failed++
		}
	}

	var results []Throughput
	for key, wk := range weeks {
		wk.AvgDuration = avg(hours[key])
		results = append(results, *wk)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if len(results) > 10 {
		results = results[:10]
	}
	return results, nil
}

// Report bundles every analytics query.
type Report struct {
	StageDurations []StageDuration    `json:"stage_durations"`
	Outcomes       []OutcomeRate      `json:"validation_outcomes"`
	Failures       []FailureBreakdown `json:"failures"`
	Throughput     []Throughput       `json:"throughput"`
}

// BuildReport runs all queries against database.
func BuildReport(database DB, since time.Time) (*Report, error) {
	var r Report
	var err error
	if r.StageDurations, err = QueryStageDurations(database, since); err != nil {
		return nil, err
	}
	if r.Outcomes, err = QueryValidationOutcomes(database, since); err != nil {
		return nil, err
	}
	if r.Failures, err = QueryFailures(database, since); err != nil {
		return nil, err
	}
	if r.Throughput, err = QueryThroughput(database, since); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
