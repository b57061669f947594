package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
)

//CountMap counts occurrences per counterpart or pattern key. Aggregation always
//replaces a stored CountMap as a whole.
type CountMap map[string]int

//Inc increments the count for key
func (m CountMap) Inc(key string) {
	m[key]++
}

//Value implements driver.Valuer
func (m CountMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

//Scan implements sql.Scanner
func (m *CountMap) Scan(value interface{}) error {
	var raw []byte

	switch v := value.(type) {
	case nil:
		*m = CountMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for count map", value)
	}

	if len(raw) == 0 {
		*m = CountMap{}
		return nil
	}

	return json.Unmarshal(raw, m)
}

//RiskLevel is the categorical bucket of a risk score
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

//RiskThresholds are the lower bounds of the medium, high and critical buckets
type RiskThresholds struct {
	Medium   float64
	High     float64
	Critical float64
}

//Level buckets a risk score. Higher scores never map to a lower level.
func (t RiskThresholds) Level(score float64) RiskLevel {
	switch {
	case score >= t.Critical:
		return RiskCritical
	case score >= t.High:
		return RiskHigh
	case score >= t.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

//Suspicious pattern keys
const (
	PatternOverConsumption  = "over_consumption"
	PatternUnderConsumption = "under_consumption"
	PatternOvertime         = "overtime"
	PatternUndertime        = "undertime"
)

//Baseline is the reference distribution of a (equipment, service) pair
type Baseline struct {
	SampleCount           int
	AvgKWhPerMinute       float64
	StdDevKWhPerMinute    float64
	AvgDurationMinutes    float64
	StdDevDurationMinutes float64
}

//DeviationPercent returns (observed - avg) / avg * 100. The second return value is
//false when the baseline average is zero and no deviation can be computed.
func DeviationPercent(observed, avg float64) (float64, bool) {
	if avg == 0 {
		return 0, false
	}
	return (observed - avg) / avg * 100, true
}

//MeanStdDev returns the mean and the population standard deviation of values
func MeanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}

	return mean, math.Sqrt(sq / float64(len(values)))
}

//RiskScore combines the anomaly rate and the average absolute deviation, both in percent
func RiskScore(anomalyRate, avgDeviation float64) float64 {
	return 0.6*anomalyRate + 0.4*math.Min(avgDeviation, 100)
}

//Tally accumulates the samples of one client or employee. Total counts every observed
//sample while rates and deviations only cover the judged ones.
type Tally struct {
	Total        int
	Judged       int
	Anomalies    int
	MaxDeviation float64
	Counterparts CountMap
	Patterns     CountMap

	sumDeviation float64
}

//NewTally returns an empty tally
func NewTally() *Tally {
	return &Tally{Counterparts: CountMap{}, Patterns: CountMap{}}
}

//Count adds a sample that could not be judged against a baseline
func (t *Tally) Count() {
	t.Total++
}

//Observe adds one judged sample. deviation is the absolute deviation in percent.
func (t *Tally) Observe(deviation float64, flagged bool, counterpart string, patterns []string) {
	t.Total++
	t.Judged++
	t.sumDeviation += deviation
	if deviation > t.MaxDeviation {
		t.MaxDeviation = deviation
	}

	if !flagged {
		return
	}

	t.Anomalies++
	if counterpart != "" {
		t.Counterparts.Inc(counterpart)
	}
	for _, p := range patterns {
		t.Patterns.Inc(p)
	}
}

//AnomalyRate is the flagged share of judged samples in percent
func (t *Tally) AnomalyRate() float64 {
	if t.Judged == 0 {
		return 0
	}
	return float64(t.Anomalies) / float64(t.Judged) * 100
}

//AvgDeviation is the mean absolute deviation in percent
func (t *Tally) AvgDeviation() float64 {
	if t.Judged == 0 {
		return 0
	}
	return t.sumDeviation / float64(t.Judged)
}

//Score returns the risk score and level of the tally
func (t *Tally) Score(thresholds RiskThresholds) (float64, RiskLevel) {
	score := RiskScore(t.AnomalyRate(), t.AvgDeviation())
	return score, thresholds.Level(score)
}
