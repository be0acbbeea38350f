package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Dtcsrni/omr-review/internal/database"
	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func setupOMRDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

// seedSheet registers a three question exam with key A, B, C under its own exam id.
func seedSheet(t *testing.T, db *gorm.DB, folioValue string, studentID *string) {
	t.Helper()
	seedSheetForExam(t, db, folioValue, "exam-"+strings.ToLower(folioValue), studentID)
}

func seedSheetForExam(t *testing.T, db *gorm.DB, folioValue, examID string, studentID *string) {
	t.Helper()
	sheet := models.ExamSheet{
		Folio:     folioValue,
		ExamID:    examID,
		StudentID: studentID,
		Questions: []models.ExamKeyEntry{
			{Number: 1, Position: 0, Option: "A"},
			{Number: 2, Position: 1, Option: "B"},
			{Number: 3, Position: 2, Option: "C"},
		},
	}
	require.NoError(t, repository.NewExamRepository(db).Save(context.Background(), &sheet))
}

func sheetPNG(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			v := 100 + seed
			if (x/4+y/4)%2 == 1 {
				v = 180
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func darkPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 200, 200))))
	return buf.Bytes()
}

func pageResult(status models.AnalysisStatus, page int, options map[int]string) models.PageAnalysisResult {
	result := models.PageAnalysisResult{
		EstadoAnalisis:    status,
		PageNumber:        page,
		CalidadPagina:     0.9,
		ConfianzaPromedio: 0.9,
		TemplateVersion:   1,
		MotivosRevision:   []string{},
	}
	if status != models.AnalysisStatusOK {
		result.MotivosRevision = []string{"marca ambigua"}
	}
	for q := 1; q <= 10; q++ {
		option, ok := options[q]
		if !ok {
			continue
		}
		value := option
		result.DetectedAnswers = append(result.DetectedAnswers, models.DetectedAnswer{QuestionNumber: q, Option: &value, Confidence: 0.9})
	}
	return result
}

type stubAnalyzer struct {
	calls  atomic.Int32
	result func(folio string, page int) (models.PageAnalysisResult, error)
}

func (s *stubAnalyzer) Analyze(_ context.Context, folio string, page int, _ []byte) (models.PageAnalysisResult, error) {
	s.calls.Add(1)
	return s.result(folio, page)
}
