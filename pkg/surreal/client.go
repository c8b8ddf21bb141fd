package surreal

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
)

// Client is a thin SurrealDB wrapper used for analytics writes.
type Client struct {
	db *surrealdb.DB
}

func NewClient(host, user, pass, namespace, database string) (*Client, error) {
	db, err := surrealdb.New(host)
	if err != nil {
		return nil, fmt.Errorf("failed to create surrealdb client: %w", err)
	}

	if _, err = db.SignIn(context.Background(), map[string]interface{}{
		"user": user,
		"pass": pass,
	}); err != nil {
		return nil, fmt.Errorf("failed to signin to surrealdb: %w", err)
	}

	if err = db.Use(context.Background(), namespace, database); err != nil {
		return nil, fmt.Errorf("failed to use surrealdb namespace/database: %w", err)
	}

	return &Client{db: db}, nil
}

func (c *Client) Close() {
	c.db.Close(context.Background())
}

func (c *Client) Create(table string, data interface{}) (interface{}, error) {
	result, err := surrealdb.Create[interface{}](context.Background(), c.db, table, data)
	if err != nil {
		return nil, err
	}
	return result, nil
}
