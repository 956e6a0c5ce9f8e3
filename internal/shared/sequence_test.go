package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatDocumentNumber(t *testing.T) {
	require.Equal(t, "REC-2026-000001", FormatDocumentNumber("REC", 2026, 1))
	require.Equal(t, "SHP-2026-000042", FormatDocumentNumber("SHP", 2026, 42))
	require.Equal(t, "INV-2027-123456", FormatDocumentNumber("INV", 2027, 123456))
	require.Equal(t, "INV-2027-1234567", FormatDocumentNumber("INV", 2027, 1234567))
}
