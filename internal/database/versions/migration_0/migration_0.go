package migration_0

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	BaseModelId uuid.NullUUID `gorm:"type:uuid"`
	BaseModel   *Model        `gorm:"foreignKey:BaseModelId"`

	Name     string
	Type     string `gorm:"size:20;not null"`
	Status   string `gorm:"size:20;not null"`
	LocalDir string

	StorageBucket sql.NullString
	StoragePrefix sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime
}

type TrainingRun struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ModelId uuid.UUID `gorm:"type:uuid"`
	Model   *Model    `gorm:"foreignKey:ModelId;constraint:OnDelete:CASCADE"`

	Project         string
	Name            string
	Status          string `gorm:"size:20;not null"`
	DataPath        string
	Hyperparameters datatypes.JSON
	TotalSteps      int
	BestLoss        sql.NullFloat64

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Steps []StepMetric `gorm:"foreignKey:RunId;constraint:OnDelete:CASCADE"`
}

type StepMetric struct {
	RunId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Step  int       `gorm:"primaryKey"`

	Epoch        int
	Loss         float64
	Accuracy     float64
	LearningRate float64
	Checkpointed bool
	Timestamp    time.Time
}

func Migration(db *gorm.DB) error {
	return db.AutoMigrate(&Model{}, &TrainingRun{}, &StepMetric{})
}
