// Command teleportald is the daemon entrypoint: it wires the protocol,
// storage, permission, auth, replication, session, server, upload, and rpc
// packages together behind a WebSocket listener, mirroring
// examples/word-count/wordcountctl/main.go's go-flags CLI shape.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	flags "github.com/jessevdk/go-flags"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.teleportal.dev/core/auth"
	"go.teleportal.dev/core/boilerplate"
	"go.teleportal.dev/core/replication"
	"go.teleportal.dev/core/rpc"
	"go.teleportal.dev/core/server"
	"go.teleportal.dev/core/storage"
	"go.teleportal.dev/core/transport"
	"go.teleportal.dev/core/upload"
)

var Config = new(struct {
	Server      boilerplate.ServerConfig      `group:"Server" namespace:"server" env-namespace:"SERVER"`
	Storage     boilerplate.StorageConfig     `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`
	Auth        boilerplate.AuthConfig        `group:"Auth" namespace:"auth" env-namespace:"AUTH"`
	Replication boilerplate.ReplicationConfig `group:"Replication" namespace:"replication" env-namespace:"REPLICATION"`
	Log         boilerplate.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmd *cmdServe) Execute([]string) error {
	Config.Log.Configure()

	var storageFactory, err = newStorageFactory()
	boilerplate.Must(err, "constructing storage factory")

	var replicator replication.Replicator
	replicator, err = newReplicator()
	boilerplate.Must(err, "constructing replicator")

	var verifier = auth.NewVerifier([]byte(Config.Auth.Secret), Config.Auth.Issuer)

	var milestones = storage.NewMemoryMilestoneStore()
	var fileStore = upload.NewMemoryFileStore()
	// Uploaded-file metadata (the document's metadata.files list) is always
	// recorded against the unencrypted engine: file bytes are content-
	// addressed by Merkle root regardless of whether the owning document's
	// own updates are encrypted.
	uploadEngine, err := storageFactory.For("", false)
	boilerplate.Must(err, "resolving upload metadata engine")
	var pipeline = upload.New(upload.Config{Engine: uploadEngine, FileStorage: fileStore})
	var registry = rpc.NewRegistry()
	rpc.RegisterMilestoneMethods(registry, milestones, rpc.UpdateMilestonesInDocumentMetadata)
	rpc.RegisterFileMethods(registry, pipeline, fileStore)

	var fileHandler = upload.NewHandler(pipeline)

	var srv = server.New(server.Config{
		StorageFactory: storageFactory,
		Replicator:     replicator,
		NodeID:         Config.Server.NodeID,
		CheckPerm:      checkPermission(verifier),
		RPCDispatch:    registry.Dispatch,
		FileHandler:    fileHandler.Handle,
	})

	var upgrader = websocket.Upgrader{}
	http.HandleFunc("/teleportal", func(w http.ResponseWriter, r *http.Request) {
		var token = r.URL.Query().Get("token")
		claims, err := verifier.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warn("upgrading websocket connection")
			return
		}
		var t = transport.NewWebSocket(conn)
		var msgCtx = auth.MergeIntoContext(nil, claims)

		go func() {
			defer t.Close()
			if err := srv.CreateClient(r.Context(), t, claims.UserID, msgCtx); err != nil {
				log.WithError(err).WithField("userId", claims.UserID).Warn("client session ended")
			}
		}()
	})

	log.WithField("address", Config.Server.Address).Info("teleportald listening")
	return http.ListenAndServe(Config.Server.Address, nil)
}

// checkPermission adapts a verified token's permission.Evaluator into the
// server.CheckPermission shape, per §4.D: claims are read back out of the
// message Context that auth.MergeIntoContext populated at connect time.
func checkPermission(verifier *auth.Verifier) server.CheckPermission {
	return func(ctx context.Context, args server.PermissionCheckArgs) bool {
		claims, ok := args.Context[auth.ContextKeyClaims].(*auth.Claims)
		if !ok {
			return false
		}
		return claims.Evaluator().Allows(args.DocumentID, args.Type)
	}
}

func newStorageFactory() (storage.EngineFactory, error) {
	switch Config.Storage.Backend {
	case "bbolt":
		return newBoltEngineFactory(Config.Storage.Path)
	default:
		return storage.NewMemoryEngineFactory(), nil
	}
}

// boltEngineFactory holds two BoltEngines, opened up front by
// newBoltEngineFactory: one for unencrypted documents at path and one for
// encrypted documents at path+".encrypted". For ignores documentID and
// picks an engine by the encrypted flag alone.
type boltEngineFactory struct {
	plain, encrypted *storage.BoltEngine
}

func newBoltEngineFactory(path string) (storage.EngineFactory, error) {
	plain, err := storage.OpenBoltEngine(path, false)
	if err != nil {
		return nil, errors.Wrap(err, "opening bbolt engine")
	}
	encrypted, err := storage.OpenBoltEngine(path+".encrypted", true)
	if err != nil {
		return nil, errors.Wrap(err, "opening encrypted bbolt engine")
	}
	return &boltEngineFactory{plain: plain, encrypted: encrypted}, nil
}

func (f *boltEngineFactory) For(documentID string, encrypted bool) (storage.Engine, error) {
	if encrypted {
		return f.encrypted, nil
	}
	return f.plain, nil
}

func newReplicator() (replication.Replicator, error) {
	switch Config.Replication.Backend {
	case "nats":
		conn, err := nats.Connect(Config.Replication.NATSURL, nats.Timeout(10*time.Second))
		if err != nil {
			return nil, errors.Wrap(err, "connecting to NATS")
		}
		return replication.NewNATS(conn), nil
	default:
		return replication.NewInProcess(), nil
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, err := parser.AddCommand("serve", "Run the teleportal server",
		"Serves collaborative document sessions over WebSocket", &cmdServe{})
	boilerplate.Must(err, "failed to add serve command")

	boilerplate.MustParseArgs(parser)
}
