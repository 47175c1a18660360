package batch

// Summary aggregates the outcomes of one run.
type Summary struct {
	Rows      int
	Succeeded int
	Failed    int
	Records   int
}

// Summarize counts outcomes by status along with the total records produced.
func Summarize(outcomes []RowOutcome) Summary {
	s := Summary{Rows: len(outcomes)}
	for _, o := range outcomes {
		if o.Status == StatusSuccess {
			s.Succeeded++
			s.Records += len(o.Records)
		} else {
			s.Failed++
		}
	}
	return s
}

// HasFailures reports whether any row failed.
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}
