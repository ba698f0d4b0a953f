package domain

// AttemptRow is one delivery attempt record in the SQL store. Value holds the
// encoded record ("<first> <last>" in Unix seconds).
type AttemptRow struct {
	Key   string `gorm:"column:key;primaryKey;size:2048"`
	Value string `gorm:"column:value;not null"`
}

func (AttemptRow) TableName() string {
	return "attempts"
}
