package graph

// Cleaning records the error-cleaning provenance stored alongside a color:
// which filters ran, their thresholds, and the graph the color was cleaned
// against.
type Cleaning struct {
	TipClipping         bool
	RemvLowCovSups      bool
	RemvLowCovNodes     bool
	CleanedAgainstGraph bool

	RemvLowCovSupsThresh  uint32
	RemvLowCovNodesThresh uint32

	CleanedAgainstName string
}

// merge folds another color's cleaning record into c.  Booleans union; each
// threshold is kept at the larger of the two, whether or not the
// corresponding filter flag is set; the cleaned-against name is taken from
// the incoming record when set.
func (c *Cleaning) merge(o Cleaning) {
	c.TipClipping = c.TipClipping || o.TipClipping
	c.RemvLowCovSups = c.RemvLowCovSups || o.RemvLowCovSups
	c.RemvLowCovNodes = c.RemvLowCovNodes || o.RemvLowCovNodes
	c.CleanedAgainstGraph = c.CleanedAgainstGraph || o.CleanedAgainstGraph
	if o.RemvLowCovSupsThresh > c.RemvLowCovSupsThresh {
		c.RemvLowCovSupsThresh = o.RemvLowCovSupsThresh
	}
	if o.RemvLowCovNodesThresh > c.RemvLowCovNodesThresh {
		c.RemvLowCovNodesThresh = o.RemvLowCovNodesThresh
	}
	if o.CleanedAgainstName != "" {
		c.CleanedAgainstName = o.CleanedAgainstName
	}
}

// Info is the per-color metadata carried in graph file headers.
type Info struct {
	SampleName     string
	MeanReadLength uint32
	TotalSequence  uint64
	SeqErrRate     float64
	Cleaning       Cleaning
}

// Merge folds metadata for one binary color into the graph color.  Mean read
// length and error rate are averaged weighted by total sequence; a sample
// name of "" or "undefined" never overwrites an existing one.
func (gi *Info) Merge(o Info) {
	if o.SampleName != "" && o.SampleName != "undefined" {
		gi.SampleName = o.SampleName
	}
	total := gi.TotalSequence + o.TotalSequence
	if total > 0 {
		gi.SeqErrRate = (gi.SeqErrRate*float64(gi.TotalSequence) +
			o.SeqErrRate*float64(o.TotalSequence)) / float64(total)
		gi.MeanReadLength = uint32(
			(float64(gi.MeanReadLength)*float64(gi.TotalSequence) +
				float64(o.MeanReadLength)*float64(o.TotalSequence)) / float64(total))
	}
	gi.TotalSequence = total
	gi.Cleaning.merge(o.Cleaning)
}
