//go:build e2e

package e2e

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// backends holds the endpoints of the containers one test run shares.
type backends struct {
	PostgresDSN string
	Neo4jURI    string
	RedisURL    string

	containers []testcontainers.Container
}

// startBackends brings up Postgres, Neo4j and Redis. On error every
// container started so far is terminated.
func startBackends(ctx context.Context) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.terminate()
		}
	}()

	pg, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("nuka_mind_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	b.containers = append(b.containers, pg)
	if b.PostgresDSN, err = pg.ConnectionString(ctx, "sslmode=disable"); err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}

	neo, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		return nil, fmt.Errorf("start neo4j: %w", err)
	}
	b.containers = append(b.containers, neo)
	if b.Neo4jURI, err = neo.BoltUrl(ctx); err != nil {
		return nil, fmt.Errorf("neo4j bolt url: %w", err)
	}

	rd, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("start redis: %w", err)
	}
	b.containers = append(b.containers, rd)
	if b.RedisURL, err = rd.ConnectionString(ctx); err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return b, nil
}

func (b *backends) terminate() {
	for i := len(b.containers) - 1; i >= 0; i-- {
		_ = testcontainers.TerminateContainer(b.containers[i])
	}
}
