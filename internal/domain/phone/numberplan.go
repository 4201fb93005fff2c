package phone

import (
	"github.com/ttacon/libphonenumber"
)

// Region is the ISO region whose numbering plan NumberPlan checks against.
const Region = "ID"

// NumberPlan runs the Standard rules and then rejects numbers that do not
// exist in the Indonesian numbering plan (unassigned ranges, wrong length
// for the area code). Rejections from the Standard rules pass through
// unchanged.
type NumberPlan struct{}

func (NumberPlan) Normalize(raw string, f Format) Result {
	res := Normalize(raw, International)
	if !res.Valid {
		return res
	}

	num, err := libphonenumber.Parse(res.Value, Region)
	if err != nil || !libphonenumber.IsValidNumberForRegion(num, Region) {
		return rejected(raw, ReasonNumberPlan)
	}

	res.Value = Render(res.Value, f)
	return res
}

// ForMode returns the normalizer selected by the PHONE_VALIDATION setting.
// Unknown modes fall back to Standard; config validation rejects them first.
func ForMode(mode string) Normalizer {
	if mode == "numberplan" {
		return NumberPlan{}
	}
	return Standard{}
}
