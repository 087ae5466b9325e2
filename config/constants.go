package config

import "time"

// Server Constants
const (
	// DefaultPort is the HTTP port used when PORT is unset
	DefaultPort = "8080"

	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout = 10 * time.Second

	// StartupTimeout bounds connecting to every backend at startup
	StartupTimeout = 30 * time.Second
)

// Store backends
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreFirestore = "firestore"
)

// Reference corpus Constants
const (
	// DefaultChromaHost and DefaultChromaPort locate the reference corpus
	DefaultChromaHost = "localhost"
	DefaultChromaPort = 8000

	// DefaultCollection holds the embedded reference document passages
	DefaultCollection = "recipe_reference"
)

// Generative model Constants
const (
	// DefaultVertexRegion is the Vertex AI location
	DefaultVertexRegion = "us-central1"
)

// Kafka Constants
const (
	DefaultKafkaBrokers = "kafka:9092"
	DefaultOrdersTopic  = "order-requests"
	DefaultResultsTopic = "order-results"
	DefaultGroupID      = "recipecheck-consumer-group"
)
