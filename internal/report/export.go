// Package report exports analyzer results and crawl statistics.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

// Format defines the export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// FormatForPath picks the format from the file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return FormatXLSX
	case ".json":
		return FormatJSON
	default:
		return FormatCSV
	}
}

// Report bundles everything the exporter writes.
type Report struct {
	DomainScores   []*storage.DomainScore   `json:"domain_scores"`
	PageRankScores []*storage.PageRankScore `json:"pagerank_scores"`
	Stats          *storage.Stats           `json:"stats"`
}

// Source provides report contents; implemented by the primary database.
type Source interface {
	DomainScores() ([]*storage.DomainScore, error)
	PageRankScores() ([]*storage.PageRankScore, error)
	TargetStats() (*storage.Stats, error)
}

// Build collects a report from the source.
func Build(src Source) (*Report, error) {
	domains, err := src.DomainScores()
	if err != nil {
		return nil, err
	}
	ranks, err := src.PageRankScores()
	if err != nil {
		return nil, err
	}
	stats, err := src.TargetStats()
	if err != nil {
		return nil, err
	}
	return &Report{DomainScores: domains, PageRankScores: ranks, Stats: stats}, nil
}

// Exporter writes a report in the requested format.
type Exporter struct {
	format Format
	path   string
}

// NewExporter creates an exporter for path, inferring the format.
func NewExporter(path string) *Exporter {
	return &Exporter{format: FormatForPath(path), path: path}
}

// Export writes the report.
func (e *Exporter) Export(report *Report) error {
	switch e.format {
	case FormatCSV:
		return e.exportCSV(report)
	case FormatXLSX:
		return e.exportXLSX(report)
	case FormatJSON:
		return e.exportJSON(report)
	default:
		return fmt.Errorf("unsupported export format: %s", e.format)
	}
}

var domainHeader = []string{"domain", "authority_score", "backlink_count", "referring_domains", "updated_at"}
var rankHeader = []string{"url", "score", "updated_at"}

func domainRow(s *storage.DomainScore) []string {
	return []string{
		s.Domain,
		strconv.FormatFloat(s.AuthorityScore, 'f', 2, 64),
		strconv.FormatInt(s.BacklinkCount, 10),
		strconv.FormatInt(s.ReferringDomains, 10),
		s.UpdatedAt.Format("2006-01-02 15:04:05"),
	}
}

func rankRow(s *storage.PageRankScore) []string {
	return []string{
		s.URL,
		strconv.FormatFloat(s.Score, 'g', 8, 64),
		s.UpdatedAt.Format("2006-01-02 15:04:05"),
	}
}

// exportCSV writes domain scores followed by PageRank scores, separated by
// a blank record, with a UTF-8 BOM for spreadsheet compatibility.
func (e *Exporter) exportCSV(report *Report) error {
	file, err := os.Create(e.path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	file.Write([]byte{0xEF, 0xBB, 0xBF})

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(domainHeader); err != nil {
		return err
	}
	for _, s := range report.DomainScores {
		if err := writer.Write(domainRow(s)); err != nil {
			return err
		}
	}

	if err := writer.Write([]string{}); err != nil {
		return err
	}

	if err := writer.Write(rankHeader); err != nil {
		return err
	}
	for _, s := range report.PageRankScores {
		if err := writer.Write(rankRow(s)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) exportXLSX(report *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"00C853"}},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})

	writeSheet := func(name string, header []string, rows [][]string) error {
		idx, err := f.NewSheet(name)
		if err != nil {
			return err
		}
		f.SetActiveSheet(idx)
		for col, h := range header {
			cell, _ := excelize.CoordinatesToCellName(col+1, 1)
			f.SetCellValue(name, cell, h)
			f.SetCellStyle(name, cell, cell, headerStyle)
		}
		for rowIdx, row := range rows {
			for col, val := range row {
				cell, _ := excelize.CoordinatesToCellName(col+1, rowIdx+2)
				f.SetCellValue(name, cell, val)
			}
		}
		return nil
	}

	domainRows := make([][]string, len(report.DomainScores))
	for i, s := range report.DomainScores {
		domainRows[i] = domainRow(s)
	}
	if err := writeSheet("Domain Scores", domainHeader, domainRows); err != nil {
		return err
	}

	rankRows := make([][]string, len(report.PageRankScores))
	for i, s := range report.PageRankScores {
		rankRows[i] = rankRow(s)
	}
	if err := writeSheet("PageRank", rankHeader, rankRows); err != nil {
		return err
	}

	if report.Stats != nil {
		days := make([]string, 0, len(report.Stats.PagesPerDay))
		for day := range report.Stats.PagesPerDay {
			days = append(days, day)
		}
		sort.Strings(days)

		rows := [][]string{
			{"total_pages", strconv.FormatInt(report.Stats.TotalPages, 10)},
			{"total_links", strconv.FormatInt(report.Stats.TotalLinks, 10)},
			{"total_sessions", strconv.FormatInt(report.Stats.TotalSessions, 10)},
		}
		for _, day := range days {
			rows = append(rows, []string{"pages " + day, strconv.FormatInt(report.Stats.PagesPerDay[day], 10)})
		}
		if err := writeSheet("Stats", []string{"metric", "value"}, rows); err != nil {
			return err
		}
	}

	f.DeleteSheet("Sheet1")
	return f.SaveAs(e.path)
}

func (e *Exporter) exportJSON(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(e.path, data, 0644)
}
