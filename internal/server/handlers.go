package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/cache"
	"github.com/cuemby/miru-agent/internal/httpclient"
	"github.com/cuemby/miru-agent/internal/log"
	"github.com/cuemby/miru-agent/internal/types"
	"golang.org/x/sync/errgroup"
)

type handlers struct {
	cfg Config
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	envelope, status := agenterrors.ToEnvelope(err)
	writeJSON(w, status, envelope)
}

func (h *handlers) test(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "server": "miru-agent"})
}

func (h *handlers) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.cfg.Version, "commit": h.cfg.Commit})
}

// hashSerializedRequest is the body POSTed to /v1/config_schemas/hash/serialized.
type hashSerializedRequest struct {
	Schema []byte `json:"schema"`
	Format string `json:"format"`
}

// hashSerialized resolves a canonical digest for a serialized schema,
// reading the digest cache by a key derived from a stable hash of the
// schema bytes before falling back to the backend.
func (h *handlers) hashSerialized(w http.ResponseWriter, r *http.Request) {
	var req hashSerializedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, &agenterrors.SerdeErr{Source: err, Site: agenterrors.Trace()})
		return
	}

	rawDigest := stableHash(req.Schema)
	if entry, err := h.cfg.DigestCache.Read(rawDigest); err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"digest": entry.Value.Resolved})
		return
	}

	resolved, err := h.cfg.Client.HashSerialized(r.Context(), req.Schema, req.Format)
	if err != nil {
		writeErr(w, err)
		return
	}

	pair := types.DigestPair{Raw: rawDigest, Resolved: resolved}
	if err := h.cfg.DigestCache.Write(rawDigest, pair, neverDirtyDigest, true); err != nil {
		log.Logger.Warn().Err(err).Msg("server: failed to persist resolved digest")
	}
	writeJSON(w, http.StatusOK, map[string]string{"digest": resolved})
}

func neverDirtyDigest(_ *cache.Entry[string, types.DigestPair], _ types.DigestPair) bool {
	return false
}

func stableHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// deployedConfigInstanceQuery is the expected query-string shape.
type deployedConfigInstanceQuery struct {
	ConfigTypeSlug     string
	ConfigSchemaDigest string
}

// deployedConfigInstance resolves the schema id (cache, then server) and
// syncs if the last sync is stale concurrently, then returns the single
// locally-deployed instance matching that schema, merged with its
// materialized data.
func (h *handlers) deployedConfigInstance(w http.ResponseWriter, r *http.Request) {
	query := deployedConfigInstanceQuery{
		ConfigTypeSlug:     r.URL.Query().Get("config_type_slug"),
		ConfigSchemaDigest: r.URL.Query().Get("config_schema_digest"),
	}

	var schemaID string
	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		id, err := h.resolveConfigSchemaID(gctx, query)
		if err != nil {
			return err
		}
		schemaID = id
		return nil
	})
	g.Go(func() error {
		if syncErr := h.syncIfStale(gctx); syncErr != nil && !agenterrors.IsNetworkConnectionError(syncErr) {
			log.Logger.Error().Err(syncErr).Msg("server: error syncing config instances")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		writeErr(w, err)
		return
	}

	metadata, err := h.cfg.MetadataCache.FindOneEntryOptional("deployed instance for schema", func(e cache.Entry[string, types.ConfigInstance]) bool {
		return e.Value.ConfigSchemaID == schemaID && e.Value.ActivityStatus == types.ActivityDeployed
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if metadata == nil {
		writeErr(w, &agenterrors.NotFoundErr{Key: schemaID, Site: agenterrors.Trace()})
		return
	}

	dataEntry, err := h.cfg.DataCache.Read(metadata.Value.ID)
	if err != nil {
		writeErr(w, &agenterrors.ConfigInstanceDataNotFoundErr{InstanceID: metadata.Value.ID, Site: agenterrors.Trace()})
		return
	}

	writeJSON(w, http.StatusOK, httpclient.ConfigInstanceWithData{
		ConfigInstance: metadata.Value,
		Data:           dataEntry.Value,
	})
}

func (h *handlers) resolveConfigSchemaID(ctx context.Context, query deployedConfigInstanceQuery) (string, error) {
	entry, err := h.cfg.SchemaCache.FindOneEntryOptional("schema by type slug and digest", func(e cache.Entry[string, types.ConfigSchema]) bool {
		return e.Value.ConfigTypeSlug == query.ConfigTypeSlug && e.Value.Digest == query.ConfigSchemaDigest
	})
	if err != nil {
		return "", err
	}
	if entry != nil {
		return entry.Value.ID, nil
	}

	search := httpclient.NewSearch().
		Equals("digest", query.ConfigSchemaDigest).
		Equals("config_type_slug", query.ConfigTypeSlug)
	schemas, err := h.cfg.Client.SearchConfigSchemas(ctx, search)
	if err != nil {
		return "", err
	}
	if len(schemas) == 0 {
		return "", &agenterrors.NotFoundErr{Key: query.ConfigSchemaDigest, Site: agenterrors.Trace()}
	}
	schema := schemas[0]
	if err := h.cfg.SchemaCache.Write(schema.ID, schema, func(_ *cache.Entry[string, types.ConfigSchema], _ types.ConfigSchema) bool { return false }, true); err != nil {
		log.Logger.Warn().Err(err).Msg("server: failed to cache resolved config schema")
	}
	return schema.ID, nil
}

// syncIfStale triggers a sync if the last one completed more than 5s ago.
func (h *handlers) syncIfStale(ctx context.Context) error {
	state, err := h.cfg.Syncer.GetSyncState()
	if err != nil {
		return err
	}
	if time.Since(state.LastSuccessfulSyncAt) < 5*time.Second {
		return nil
	}
	return h.cfg.Syncer.SyncIfNotInCooldown(ctx)
}
