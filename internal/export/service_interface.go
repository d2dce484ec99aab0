package export

import "context"

// ExportServiceInterface defines the contract for export services.
type ExportServiceInterface interface {
	// Export writes the receipts matching config to an XLSX file.
	Export(ctx context.Context, config *ExportConfig) (*ExportResult, error)
}

// Ensure *ExportService implements the interface at compile time.
var _ ExportServiceInterface = (*ExportService)(nil)
