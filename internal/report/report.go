package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"salesync/internal/conflict"
	"salesync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// Exporter выгружает журнал конфликтов в Excel для ручного разбора.
type Exporter struct {
	manager    *conflict.Manager
	exportPath string
	logger     zerolog.Logger
}

func NewExporter(manager *conflict.Manager, exportPath string, logger zerolog.Logger) *Exporter {
	return &Exporter{
		manager:    manager,
		exportPath: exportPath,
		logger:     logger.With().Str("component", "report").Logger(),
	}
}

// ExportConflicts создает Excel файл с журналом конфликтов и сводкой.
func (e *Exporter) ExportConflicts(ctx context.Context) (string, error) {
	// Создаем папку для экспорта, если не существует
	if err := os.MkdirAll(e.exportPath, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	conflicts, err := e.manager.All(ctx)
	if err != nil {
		return "", fmt.Errorf("error getting conflicts: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := e.writeJournalSheet(f, conflicts); err != nil {
		return "", err
	}
	if err := e.writeSummarySheet(f, conflicts); err != nil {
		return "", err
	}

	// Удаляем стандартный лист
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("conflicts_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(e.exportPath, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("conflicts", len(conflicts)).Msg("conflicts report created")
	return filePath, nil
}

func (e *Exporter) writeJournalSheet(f *excelize.File, conflicts []*models.Conflict) error {
	const sheetName = "Конфликты"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	headers := []string{
		"ID", "Сущность", "ID сущности", "Тип", "Серьезность", "Статус",
		"Причина", "Стратегия", "Разрешил", "Обнаружен", "Разрешен",
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for i, c := range conflicts {
		row := i + 2
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), c.ID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), string(c.EntityType))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), c.EntityID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), string(c.Type))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), string(c.Severity))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), string(c.Status))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), c.Reason)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), string(c.Strategy))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("I%d", row), c.ResolvedBy)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("J%d", row), c.CreatedAt.Format("02.01.2006 15:04"))
		if c.ResolvedAt != nil {
			_ = f.SetCellValue(sheetName, fmt.Sprintf("K%d", row), c.ResolvedAt.Format("02.01.2006 15:04"))
		}

		if styleID, err := severityStyle(f, c.Severity); err == nil {
			_ = f.SetCellStyle(sheetName, fmt.Sprintf("E%d", row), fmt.Sprintf("E%d", row), styleID)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "F", 15)
	_ = f.SetColWidth(sheetName, "G", "G", 40)
	_ = f.SetColWidth(sheetName, "H", "I", 18)
	_ = f.SetColWidth(sheetName, "J", "K", 18)
	return nil
}

func (e *Exporter) writeSummarySheet(f *excelize.File, conflicts []*models.Conflict) error {
	const sheetName = "Сводка"
	if _, err := f.NewSheet(sheetName); err != nil {
		return fmt.Errorf("error creating sheet: %v", err)
	}

	byType := make(map[models.ConflictType]int)
	bySeverity := make(map[models.ConflictSeverity]int)
	byStatus := make(map[models.ConflictStatus]int)
	byEntity := make(map[models.EntityType]int)
	for _, c := range conflicts {
		byType[c.Type]++
		bySeverity[c.Severity]++
		byStatus[c.Status]++
		byEntity[c.EntityType]++
	}

	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 12},
	})

	_ = f.SetCellValue(sheetName, "A1", "Всего конфликтов")
	_ = f.SetCellValue(sheetName, "B1", len(conflicts))
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	row := 3
	row = e.writeCountBlock(f, sheetName, row, titleStyle, "По статусу", []countRow{
		{string(models.ConflictPending), byStatus[models.ConflictPending]},
		{string(models.ConflictResolved), byStatus[models.ConflictResolved]},
		{string(models.ConflictEscalated), byStatus[models.ConflictEscalated]},
		{string(models.ConflictFailed), byStatus[models.ConflictFailed]},
	})
	row = e.writeCountBlock(f, sheetName, row, titleStyle, "По серьезности", []countRow{
		{string(models.SeverityLow), bySeverity[models.SeverityLow]},
		{string(models.SeverityMedium), bySeverity[models.SeverityMedium]},
		{string(models.SeverityHigh), bySeverity[models.SeverityHigh]},
		{string(models.SeverityCritical), bySeverity[models.SeverityCritical]},
	})
	typeRows := make([]countRow, 0, len(byType))
	for _, ct := range []models.ConflictType{
		models.ConflictCreateCreate,
		models.ConflictUpdateUpdate,
		models.ConflictUpdateDelete,
		models.ConflictDeleteUpdate,
		models.ConflictVersion,
		models.ConflictConstraintViolation,
		models.ConflictDataInconsistency,
	} {
		if n := byType[ct]; n > 0 {
			typeRows = append(typeRows, countRow{string(ct), n})
		}
	}
	row = e.writeCountBlock(f, sheetName, row, titleStyle, "По типу", typeRows)
	row = e.writeCountBlock(f, sheetName, row, titleStyle, "По сущности", []countRow{
		{string(models.EntityProduct), byEntity[models.EntityProduct]},
		{string(models.EntitySale), byEntity[models.EntitySale]},
		{string(models.EntityStockMovement), byEntity[models.EntityStockMovement]},
	})

	_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), "Рекомендации")
	_ = f.SetCellStyle(sheetName, fmt.Sprintf("A%d", row), fmt.Sprintf("A%d", row), titleStyle)
	row++
	for _, rec := range recommendations(byStatus, bySeverity, byEntity) {
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), rec)
		row++
	}

	_ = f.SetColWidth(sheetName, "A", "A", 60)
	_ = f.SetColWidth(sheetName, "B", "B", 12)
	return nil
}

// recommendations подсказывает оператору, с чего начать разбор журнала.
func recommendations(byStatus map[models.ConflictStatus]int, bySeverity map[models.ConflictSeverity]int, byEntity map[models.EntityType]int) []string {
	var recs []string
	if n := byStatus[models.ConflictEscalated]; n > 0 {
		recs = append(recs, fmt.Sprintf("Требуют ручного разбора: %d эскалированных конфликтов", n))
	}
	if n := bySeverity[models.SeverityCritical]; n > 0 {
		recs = append(recs, fmt.Sprintf("Критичные конфликты (%d): проверить целостность данных", n))
	}
	if n := byEntity[models.EntityStockMovement]; n > 0 {
		recs = append(recs, fmt.Sprintf("Конфликты по движению склада (%d): сверить остатки", n))
	}
	if len(recs) == 0 {
		recs = append(recs, "Вмешательство не требуется")
	}
	return recs
}

type countRow struct {
	label string
	count int
}

func (e *Exporter) writeCountBlock(f *excelize.File, sheetName string, row int, titleStyle int, title string, rows []countRow) int {
	_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), title)
	_ = f.SetCellStyle(sheetName, fmt.Sprintf("A%d", row), fmt.Sprintf("A%d", row), titleStyle)
	row++
	for _, r := range rows {
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), r.label)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), r.count)
		row++
	}
	return row + 1
}

// severityStyle возвращает стиль ячейки по серьезности конфликта.
func severityStyle(f *excelize.File, severity models.ConflictSeverity) (int, error) {
	var color string
	switch severity {
	case models.SeverityCritical:
		color = "#FFC7CE"
	case models.SeverityHigh:
		color = "#FFEB9C"
	case models.SeverityMedium:
		color = "#DDEBF7"
	default:
		color = "#C6EFCE"
	}
	return f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
}
