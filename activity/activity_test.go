package activity_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumio/loyalty-engine/activity"
	"github.com/lumio/loyalty-engine/ledger"
)

func valid() activity.Activity {
	return activity.Activity{
		ID:            "act-1",
		UserID:        "user-1",
		Action:        activity.ActionInvoiceUpload,
		Channel:       "whatsapp",
		Amount:        decimal.RequireFromString("155.99"),
		CorrelationID: "cufe-1",
	}
}

func TestActivity_Validate(t *testing.T) {
	assert.NoError(t, valid().Validate())

	// GIVEN activities breaking one constraint each
	cases := []struct {
		name   string
		mutate func(*activity.Activity)
		field  string
	}{
		{"missing user", func(a *activity.Activity) { a.UserID = "" }, "user_id"},
		{"unknown action", func(a *activity.Activity) { a.Action = "teleport" }, "action"},
		{"unknown channel", func(a *activity.Activity) { a.Channel = "fax" }, "channel"},
		{"negative amount", func(a *activity.Activity) { a.Amount = decimal.NewFromInt(-1) }, "amount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := valid()
			tc.mutate(&a)

			// THEN validation names the offending field
			var verr *ledger.ValidationError
			require.ErrorAs(t, a.Validate(), &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestActivity_Validate_EmptyChannelIsAllowed(t *testing.T) {
	a := valid()
	a.Channel = ""
	assert.NoError(t, a.Validate())
}

func TestActivity_Validate_BoundsMetadata(t *testing.T) {
	a := valid()
	a.Metadata = map[string]string{"blob": strings.Repeat("x", activity.MaxMetadataSize)}

	var verr *ledger.ValidationError
	require.ErrorAs(t, a.Validate(), &verr)
	assert.Equal(t, "metadata", verr.Field)

	a.Metadata = map[string]string{"invoice_number": "FE-123"}
	assert.NoError(t, a.Validate())
}
