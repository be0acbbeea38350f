package service

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Dtcsrni/omr-review/internal/models"
	"github.com/Dtcsrni/omr-review/internal/repository"
)

func TestExamKeyServiceCachesLookups(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer redisClient.Close()

	db := setupOMRDB(t)
	seedSheet(t, db, "F-100", nil)
	svc := NewExamKeyService(repository.NewExamRepository(db), redisClient, time.Minute, testLogger())
	ctx := context.Background()

	key, err := svc.GetByFolio(ctx, " f-100 ")
	require.NoError(t, err)
	require.Equal(t, "exam-f-100", key.ExamID)
	require.Equal(t, []int{1, 2, 3}, key.QuestionOrder)
	require.True(t, server.Exists("omr:exam-key:F-100"))

	// the cached copy answers even after the row is gone
	require.NoError(t, db.Where("1 = 1").Delete(&models.ExamKeyEntry{}).Error)
	require.NoError(t, db.Where("1 = 1").Delete(&models.ExamSheet{}).Error)

	cached, err := svc.GetByFolio(ctx, "F-100")
	require.NoError(t, err)
	require.Equal(t, key, cached)

	require.NoError(t, svc.Invalidate(ctx, "f-100"))
	_, err = svc.GetByFolio(ctx, "F-100")
	require.ErrorIs(t, err, ErrExamNotRegistered)
}

func TestExamKeyServiceWithoutCache(t *testing.T) {
	db := setupOMRDB(t)
	student := "S-9"
	seedSheet(t, db, "F-200", &student)
	svc := NewExamKeyService(repository.NewExamRepository(db), nil, 0, testLogger())

	key, err := svc.GetByFolio(context.Background(), "F-200")
	require.NoError(t, err)
	require.Equal(t, "S-9", *key.StudentID)
	require.Equal(t, map[int]string{1: "A", 2: "B", 3: "C"}, key.AnswerKeyByNumber)
	require.NoError(t, svc.Invalidate(context.Background(), "F-200"))

	_, err = svc.GetByFolio(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrExamNotRegistered)
}
