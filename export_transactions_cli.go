package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gorm.io/gorm"
)

// ExportOptions contains options for exporting a wallet's transactions.
type ExportOptions struct {
	WalletID  string
	TxType    *TransactionType
	OutputDir string
}

// TransactionExporter exports a wallet's BalanceTransaction history to
// CSV.
type TransactionExporter struct {
	db *gorm.DB
}

func NewTransactionExporter(db *gorm.DB, logger Logger) *TransactionExporter {
	return &TransactionExporter{db: db}
}

// ExportToCSV writes walletID's ledger history to writer.
func (e *TransactionExporter) ExportToCSV(writer io.Writer, options ExportOptions) error {
	rows, err := ListWalletHistory(e.db, "", options.WalletID, options.TxType, &ListOptions{Limit: MaxLimit})
	if err != nil {
		return fmt.Errorf("failed to get transactions: %w", err)
	}

	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	header := []string{"ID", "Type", "Wallet", "WithWallet", "Currency", "AmountIn", "AmountOut", "Balance", "CreatedAt"}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write header to CSV: %w", err)
	}

	for _, tx := range rows {
		amountIn, amountOut := "", ""
		if tx.AmountIn != nil {
			amountIn = tx.AmountIn.String()
		}
		if tx.AmountOut != nil {
			amountOut = tx.AmountOut.String()
		}
		row := []string{
			tx.ID,
			tx.TxType,
			tx.Wallet,
			tx.WithWallet,
			string(tx.Currency),
			amountIn,
			amountOut,
			tx.Balance.String(),
			tx.CreatedAt,
		}
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write row to CSV: %w", err)
		}
	}
	return nil
}

// ExportToFile writes the CSV to options.OutputDir and returns its path.
func (e *TransactionExporter) ExportToFile(options ExportOptions) (string, error) {
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", options.OutputDir, err)
	}

	fileName := filepath.Join(options.OutputDir, fmt.Sprintf("transactions_%s.csv", options.WalletID))
	file, err := os.Create(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create CSV file %s: %w", fileName, err)
	}
	defer file.Close()

	if err := e.ExportToCSV(file, options); err != nil {
		return "", fmt.Errorf("failed to export to CSV: %w", err)
	}

	return fileName, nil
}

func runExportTransactionsCli(logger Logger) {
	logger = logger.NewSystem("export-ledger")
	if len(os.Args) < 3 || len(os.Args) > 4 {
		logger.Fatal("Usage: commons export-transactions <walletID> [txType]")
	}

	walletID := os.Args[2]

	var txType *TransactionType
	if len(os.Args) > 3 {
		parsedType, err := parseTransactionType(os.Args[3])
		if err != nil {
			logger.Fatal("Invalid transaction type", "type", os.Args[3], "error", err)
		}
		txType = &parsedType
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("Failed to setup database", "error", err)
	}

	exporter := NewTransactionExporter(db, logger)
	options := ExportOptions{
		WalletID:  walletID,
		TxType:    txType,
		OutputDir: "csv_export",
	}

	fileName, err := exporter.ExportToFile(options)
	if err != nil {
		logger.Fatal("Failed to export transactions", "error", err)
	}
	logger.Info("Successfully exported transactions", "file", fileName)
}
