// Package mongo implements the MongoDB adapter. Collections surface as
// tables; descriptors are derived by sampling documents, since there is
// no schema to read. It registers itself with the adapter registry on
// import.
package mongo

import (
	"context"
	"fmt"
	"net/url"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/dberr"
	"github.com/dbporter/dbporter/internal/logging"
)

func init() {
	adapter.Register(&Adapter{})
}

// Adapter implements adapter.Adapter for MongoDB.
type Adapter struct{}

func (a *Adapter) Kind() adapter.Kind { return adapter.KindMongoDB }

func (a *Adapter) Aliases() []string { return []string{"mongo"} }

func (a *Adapter) DefaultPort() int { return 27017 }

func (a *Adapter) Connect(ctx context.Context, profile adapter.Profile) (adapter.Conn, error) {
	uri := buildURI(profile)
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(profile.Timeout()).
		SetServerSelectionTimeout(profile.Timeout())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("opening mongodb connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, profile.Timeout())
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, &dberr.ConnectionError{
			Engine: "mongodb",
			Addr:   fmt.Sprintf("%s:%d/%s", profile.Host, profile.Port, profile.Database),
			Err:    err,
		}
	}

	logging.Debug("connected to mongodb", "host", profile.Host, "database", profile.Database)
	return &Conn{client: client, profile: profile, uri: uri}, nil
}

func buildURI(profile adapter.Profile) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", profile.Host, profile.Port),
		Path:   "/" + profile.Database,
	}
	if profile.Username != "" {
		u.User = url.UserPassword(profile.Username, profile.Password)
	}
	q := url.Values{}
	if profile.AuthSource != "" {
		q.Set("authSource", profile.AuthSource)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
