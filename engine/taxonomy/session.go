package taxonomy

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Result is the minimal interface needed from a neo4j result.
type Result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// Session is the minimal interface needed from a neo4j session.
type Session interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	Close(ctx context.Context) error
}

// SessionOpener hands out sessions. Tests substitute their own.
type SessionOpener interface {
	OpenSession(ctx context.Context) Session
}

type driverOpener struct {
	driver   neo4j.DriverWithContext
	database string
}

func (o driverOpener) OpenSession(ctx context.Context) Session {
	return &sessionAdapter{sess: o.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: o.database})}
}

// sessionAdapter adapts neo4j.SessionWithContext to Session.
type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	res, err := a.sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// Connect opens a driver against url and verifies it can reach the server.
func Connect(ctx context.Context, url, user, password, database string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("taxonomy: driver %s: %w", url, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("taxonomy: connect %s: %w", url, err)
	}
	s := NewWithOpener(driverOpener{driver: driver, database: database})
	s.closer = driver.Close
	return s, nil
}
