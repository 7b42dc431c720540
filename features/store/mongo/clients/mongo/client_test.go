package mongo

import (
	"testing"

	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Database: "loom"})
	require.EqualError(t, err, "mongo client is required")

	_, err = New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}
