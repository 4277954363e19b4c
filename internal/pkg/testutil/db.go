package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/Inscripciones/app/models"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/database"
	"github.com/ManuelReschke/Inscripciones/internal/pkg/money"
)

// NewSQLiteDB opens a migrated SQLite database in the test's temp dir. A
// single connection serialises writers the way row locks do on MySQL.
func NewSQLiteDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "inscripciones.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// SeedInscripcion creates an event costing total and one registration paying
// it in cuotas installments.
func SeedInscripcion(t testing.TB, db *gorm.DB, total string, cuotas int) *models.Inscripcion {
	t.Helper()

	evento := &models.Evento{Nombre: "Congreso", CostoTotal: money.MustParse(total)}
	require.NoError(t, db.Create(evento).Error)

	inscripcion := &models.Inscripcion{
		EventoID:     evento.ID,
		Nombre:       "Ana Perez",
		Email:        "ana@example.com",
		NumeroCuotas: cuotas,
		Estado:       models.InscripcionEstadoPending,
	}
	require.NoError(t, db.Omit("Evento").Create(inscripcion).Error)
	inscripcion.Evento = *evento
	return inscripcion
}

func IntPtr(v int) *int { return &v }

func StrPtr(v string) *string { return &v }
