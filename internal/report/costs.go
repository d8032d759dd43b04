// Package report builds spreadsheet exports of dispatch costs.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rebook/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const costSheet = "Расходы"

type CostSource interface {
	GetCostSummaries(ctx context.Context, from, to time.Time) ([]models.CostSummary, error)
}

type Exporter struct {
	source CostSource
	dir    string
	logger *zerolog.Logger
}

func NewExporter(source CostSource, dir string, logger *zerolog.Logger) *Exporter {
	return &Exporter{source: source, dir: dir, logger: logger}
}

var costHeaders = []string{"Салон", "Шаблон", "Сообщений", "Попыток", "Доставлено", "Ошибок", "Стоимость"}

// ExportCosts writes per-salon, per-template message costs for [from, to) and returns the file path.
func (e *Exporter) ExportCosts(ctx context.Context, from, to time.Time) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	summaries, err := e.source.GetCostSummaries(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("error getting cost summaries: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(costSheet)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(costSheet, "A1", fmt.Sprintf("Период: %s - %s",
		from.Format("02.01.2006"), to.Format("02.01.2006")))
	lastCol, _ := excelize.ColumnNumberToName(len(costHeaders))
	_ = f.MergeCell(costSheet, "A1", lastCol+"1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(costSheet, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, h := range costHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(costSheet, cell, h)
		_ = f.SetCellStyle(costSheet, cell, cell, headerStyle)
	}

	var total float64
	row := 3
	for _, s := range summaries {
		values := []interface{}{s.SalonID, s.TemplateTag, s.Jobs, s.Attempts, s.Delivered, s.Failed, s.TotalCost}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(costSheet, cell, v)
		}
		total += s.TotalCost
		row++
	}

	totalStyle, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	labelCell, _ := excelize.CoordinatesToCellName(1, row)
	totalCell, _ := excelize.CoordinatesToCellName(len(costHeaders), row)
	_ = f.SetCellValue(costSheet, labelCell, "Итого")
	_ = f.SetCellValue(costSheet, totalCell, total)
	_ = f.SetCellStyle(costSheet, labelCell, totalCell, totalStyle)

	_ = f.SetColWidth(costSheet, "A", "A", 12)
	_ = f.SetColWidth(costSheet, "B", "B", 22)
	_ = f.SetColWidth(costSheet, "C", lastCol, 14)
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("costs_%s_to_%s.xlsx", from.Format("2006-01-02"), to.Format("2006-01-02"))
	filePath := filepath.Join(e.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("rows", len(summaries)).Msg("Cost report created")
	return filePath, nil
}
