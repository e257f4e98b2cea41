package escrow

// TieBand is the inclusive distance from the prediction within which the
// creator is considered correct.
const TieBand uint64 = 100

const bpsDenominator = 10_000

// Side names a participant role.
type Side uint8

const (
	SideCreator Side = iota + 1
	SideCounterparty
)

func (s Side) String() string {
	switch s {
	case SideCreator:
		return "creator"
	case SideCounterparty:
		return "counterparty"
	default:
		return "unknown"
	}
}

// Outcome records which branch of the winner rule applied.
type Outcome uint8

const (
	OutcomeWithinBand Outcome = iota + 1
	OutcomeAbove
	OutcomeBelow
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWithinBand:
		return "within_band"
	case OutcomeAbove:
		return "above"
	case OutcomeBelow:
		return "below"
	default:
		return "unknown"
	}
}

// Winner maps the outcome onto the winning side. The creator wins unless the
// observed value is above the prediction by more than the tie band.
func (o Outcome) Winner() Side {
	if o == OutcomeAbove {
		return SideCounterparty
	}
	return SideCreator
}

// Classify applies the settlement rule. The distance is an unsigned absolute
// difference so it is exact across the whole uint64 range.
func Classify(predicted, observed uint64) Outcome {
	if absDiff(observed, predicted) <= TieBand {
		return OutcomeWithinBand
	}
	if observed > predicted {
		return OutcomeAbove
	}
	return OutcomeBelow
}

// DetermineWinner is Classify(predicted, observed).Winner().
func DetermineWinner(predicted, observed uint64) Side {
	return Classify(predicted, observed).Winner()
}

func absDiff(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return b - a
}

// Distribution is how a settled pool is split.
type Distribution struct {
	Outcome Outcome
	Winner  Identity
	Payout  uint64
	// Refund goes back to the counterparty. It is the profit increment when the
	// creator wins on the below-prediction branch and zero otherwise.
	Refund uint64
}

// Distribute splits the record's held balance for the observed value. The
// whole held balance is always distributed.
func Distribute(rec *Record, observed uint64) (Distribution, error) {
	if rec == nil || rec.Counterparty == nil {
		return Distribution{}, ErrNoCounterparty
	}
	pool, err := rec.HeldBalance()
	if err != nil {
		return Distribution{}, err
	}
	outcome := Classify(rec.PredictedValue, observed)
	d := Distribution{Outcome: outcome, Payout: pool}
	switch outcome.Winner() {
	case SideCounterparty:
		d.Winner = *rec.Counterparty
	default:
		d.Winner = rec.Creator
	}
	if outcome == OutcomeBelow && rec.Profit > 0 {
		d.Payout = pool - rec.Profit
		d.Refund = rec.Profit
	}
	return d, nil
}
