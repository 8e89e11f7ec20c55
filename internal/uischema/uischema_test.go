package uischema_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goa-ai-labs/agentflow/internal/uischema"
)

func TestValidate_SmartTable_Accepted(t *testing.T) {
	raw := json.RawMessage(`{
		"component": "smart_table",
		"data": {"columns": ["vendor", "price"], "rows": [["acme", 10]]},
		"actions": [{"label": "Export", "event": "EXPORT"}]
	}`)
	out, err := uischema.Validate(raw)
	require.NoError(t, err)
	require.JSONEq(t, string(raw), string(out))
}

func TestValidate_SmartTable_MissingRequiredField_Rejected(t *testing.T) {
	raw := json.RawMessage(`{"component": "smart_table", "data": {"columns": ["a"]}}`)
	_, err := uischema.Validate(raw)
	require.Error(t, err)
}

func TestValidate_UnknownComponent_DegradesToGenericCard(t *testing.T) {
	raw := json.RawMessage(`{"component": "custom_widget", "data": {"foo": "bar"}}`)
	out, err := uischema.Validate(raw)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, string(uischema.GenericCard), decoded["component"])
}

func TestValidate_EmptyPayload_NoOp(t *testing.T) {
	out, err := uischema.Validate(nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestValidate_ChartReport_InvalidEnum_Rejected(t *testing.T) {
	raw := json.RawMessage(`{"component": "chart_report", "data": {"chart_type": "bogus", "series": []}}`)
	_, err := uischema.Validate(raw)
	require.Error(t, err)
}
