package trapgate

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// DeceptivePayload is the structured fake document served in place of the
// origin response. Serialization is canonical JSON (sorted keys), so a given
// build is byte-stable.
type DeceptivePayload struct {
	TemplateID string
	Document   map[string]any
}

// Serialize renders the payload for the wire.
func (p *DeceptivePayload) Serialize() ([]byte, error) {
	return json.Marshal(p.Document)
}

// PayloadBuildError reports a builder failure. The orchestrator recovers by
// falling back to the generic builder.
type PayloadBuildError struct {
	TemplateID string
	Reason     string
}

func (e *PayloadBuildError) Error() string {
	return fmt.Sprintf("payload build %s: %s", e.TemplateID, e.Reason)
}

// payloadBuild carries one build's inputs plus the token-seeded RNG. The
// builders use nothing else: no clock, no network, no shared state.
type payloadBuild struct {
	scenario  string
	intensity int
	token     string
	timestamp float64
	rng       *rand.Rand
}

type payloadBuilder func(*payloadBuild) (map[string]any, error)

// DeceptionFactory maps template IDs to builders. New payload kinds are
// added here in code; config binds to them by template ID and the binding is
// checked at load.
type DeceptionFactory struct {
	builders map[string]payloadBuilder
}

func NewDeceptionFactory() *DeceptionFactory {
	return &DeceptionFactory{builders: map[string]payloadBuilder{
		"sql_honeypot":       buildSQLHoneypot,
		"api_flood":          buildAPIFlood,
		"credential_honeypot": buildCredentialHoneypot,
		"env_dump":           buildEnvDump,
		"filesystem_tree":    buildFilesystemTree,
		"generic":            buildGeneric,
	}}
}

// TemplateIDs exposes the builder table's keys for config validation.
func (f *DeceptionFactory) TemplateIDs() map[string]bool {
	ids := make(map[string]bool, len(f.builders))
	for id := range f.builders {
		ids[id] = true
	}
	return ids
}

// Build materializes a payload for the scenario at the given intensity. The
// RNG is seeded from the token, so the result is a pure function of
// (template, intensity, token, timestamp).
func (f *DeceptionFactory) Build(sc *Scenario, intensity int, token TrackingToken, timestamp float64) (*DeceptivePayload, error) {
	builder, ok := f.builders[sc.TemplateID]
	if !ok {
		return nil, &PayloadBuildError{TemplateID: sc.TemplateID, Reason: "no builder registered"}
	}
	b := &payloadBuild{
		scenario:  sc.Name,
		intensity: maxInt(intensity, 1),
		token:     string(token),
		timestamp: timestamp,
		rng:       rand.New(rand.NewSource(token.Seed())),
	}
	doc, err := builder(b)
	if err != nil {
		return nil, &PayloadBuildError{TemplateID: sc.TemplateID, Reason: err.Error()}
	}
	return &DeceptivePayload{TemplateID: sc.TemplateID, Document: doc}, nil
}

// Embedded value pools. Fixed tables keep builds reproducible across
// processes; the seeded RNG only picks indices.
var (
	fakeFirstNames = []string{
		"alice", "brian", "carmen", "derek", "elena", "felix", "grace", "hassan",
		"irina", "jorge", "katya", "liam", "marta", "nikhil", "olga", "pavel",
		"quinn", "rosa", "stefan", "tanya", "umar", "vera", "wes", "xenia",
	}
	fakeLastNames = []string{
		"anderson", "bauer", "chen", "dubois", "eriksen", "fischer", "garcia",
		"hoffman", "ivanov", "jensen", "kumar", "larsen", "meyer", "novak",
		"okafor", "petrov", "quist", "rossi", "schmidt", "tanaka",
	}
	fakeHosts = []string{
		"db-primary.internal", "db-replica-1.internal", "cache-01.internal",
		"queue.internal", "auth.internal", "files.internal",
	}
	fakeWords = []string{
		"ledger", "archive", "export", "mirror", "staging", "report",
		"invoice", "payroll", "backup", "audit", "billing", "catalog",
	}
	// Fixed digests of throwaway passwords. Fixed values keep builds
	// reproducible and let the login facade accept the matching plaintext.
	knownPasswordHashes = []string{
		"482c811da5d5b4bc6d497ffa98491e38", // password123
		"5f4dcc3b5aa765d61d8327deb882cf99", // password
		"e10adc3949ba59abbe56e057f20f883e", // 123456
		"25d55ad283aa400af464c76d713c07ad", // 12345678
	}
)

func (b *payloadBuild) pick(pool []string) string {
	return pool[b.rng.Intn(len(pool))]
}

// mark embeds the tracking token into a leaf value, delimiter-separated so a
// substring scan recovers it.
func (b *payloadBuild) mark(value string) string {
	return value + "." + b.token
}

func (b *payloadBuild) fakeUser(i int) map[string]any {
	first := b.pick(fakeFirstNames)
	last := b.pick(fakeLastNames)
	return map[string]any{
		"id":            i + 1,
		"username":      b.mark(fmt.Sprintf("%s.%s%02d", first, last, b.rng.Intn(100))),
		"email":         fmt.Sprintf("%s.%s@%s.example", first, b.token, last),
		"password_hash": b.mark(b.pick(knownPasswordHashes)),
		"api_key":       "sk_live_" + b.token + fmt.Sprintf("%08x", b.rng.Uint32()),
		"created_at":    b.mark(fmt.Sprintf("2023-%02d-%02dT%02d:14:07Z", 1+b.rng.Intn(12), 1+b.rng.Intn(28), b.rng.Intn(24))),
	}
}

func buildSQLHoneypot(b *payloadBuild) (map[string]any, error) {
	rows := make([]any, b.intensity)
	for i := range rows {
		rows[i] = b.fakeUser(i)
	}
	return map[string]any{
		"database": b.mark("users_production"),
		"schema": map[string]any{
			"table": b.mark("users"),
			"columns": []any{
				b.mark("id INTEGER PRIMARY KEY"),
				b.mark("username VARCHAR(64) UNIQUE"),
				b.mark("email VARCHAR(128)"),
				b.mark("password_hash CHAR(32)"),
				b.mark("api_key VARCHAR(64)"),
				b.mark("created_at TIMESTAMP"),
			},
		},
		"rows":      rows,
		"row_count": len(rows),
	}, nil
}

func buildAPIFlood(b *payloadBuild) (map[string]any, error) {
	items := make([]any, b.intensity)
	alternates := make([]any, b.intensity)
	for i := 0; i < b.intensity; i++ {
		name := b.pick(fakeWords)
		price := 10 + b.rng.Intn(490)
		stock := b.rng.Intn(1000)
		items[i] = map[string]any{
			"id":       i + 1,
			"sku":      b.mark(fmt.Sprintf("%s-%04d", name, i+1)),
			"name":     b.mark(name),
			"price":    price,
			"stock":    stock,
			"category": b.mark(b.pick(fakeWords)),
		}
		// Same primary key, conflicting values. Scrapers that merge both
		// lists train on contradictions.
		alternates[i] = map[string]any{
			"id":       i + 1,
			"sku":      b.mark(fmt.Sprintf("%s-%04d", name, i+1)),
			"name":     b.mark(b.pick(fakeWords)),
			"price":    500 - price,
			"stock":    999 - stock,
			"category": b.mark(b.pick(fakeWords)),
		}
	}
	return map[string]any{
		"items":      items,
		"alternates": alternates,
		"total":      len(items),
		"page_token": b.mark(fmt.Sprintf("pg%08x", b.rng.Uint32())),
	}, nil
}

func buildCredentialHoneypot(b *payloadBuild) (map[string]any, error) {
	accounts := make([]any, b.intensity)
	for i := range accounts {
		accounts[i] = b.fakeUser(i)
	}
	return map[string]any{
		"accounts": accounts,
		"login": map[string]any{
			"success":       true,
			"message":       b.mark("authentication successful"),
			"session_token": "sess_" + b.token + fmt.Sprintf("%08x", b.rng.Uint32()),
		},
	}, nil
}

func buildEnvDump(b *payloadBuild) (map[string]any, error) {
	host := b.pick(fakeHosts)
	return map[string]any{
		"APP_ENV":               b.mark("production"),
		"APP_DEBUG":             b.mark("false"),
		"DATABASE_URL":          fmt.Sprintf("postgres://app:%s@%s:5432/app", b.token, host),
		"REDIS_URL":             fmt.Sprintf("redis://:%s@%s:6379/0", b.token, b.pick(fakeHosts)),
		"JWT_SECRET":            b.mark(fmt.Sprintf("%016x", b.rng.Uint64())),
		"AWS_ACCESS_KEY_ID":     "AKIA" + b.token[:16] + b.token[16:],
		"AWS_SECRET_ACCESS_KEY": b.mark(fmt.Sprintf("%016x%016x", b.rng.Uint64(), b.rng.Uint64())),
		"STRIPE_API_KEY":        "sk_live_" + b.token,
		"SMTP_PASSWORD":         b.mark(b.pick(fakeWords)),
		"ADMIN_EMAIL":           fmt.Sprintf("ops.%s@corp.example", b.token),
	}, nil
}

func buildFilesystemTree(b *payloadBuild) (map[string]any, error) {
	files := []any{
		map[string]any{
			"path": "/etc/passwd",
			"content": fmt.Sprintf("root:x:0:0:%s:/root:/bin/bash\ndaemon:x:1:1:%s:/usr/sbin:/usr/sbin/nologin\napp:x:1000:1000:%s:/home/app:/bin/bash\n",
				b.token, b.token, b.token),
		},
		map[string]any{
			"path":    "/etc/shadow",
			"content": fmt.Sprintf("root:$6$%s$%016x:19500:0:99999:7:::\n", b.token, b.rng.Uint64()),
		},
		map[string]any{
			"path":    "/etc/hostname",
			"content": b.mark(b.pick(fakeHosts)),
		},
	}
	for i := 0; i < b.intensity; i++ {
		files = append(files, map[string]any{
			"path":    fmt.Sprintf("/var/backups/%s-%03d.sql.gz", b.pick(fakeWords), i+1),
			"content": b.mark(fmt.Sprintf("%016x", b.rng.Uint64())),
		})
	}
	return map[string]any{
		"root":  b.mark("/"),
		"files": files,
	}, nil
}

func buildGeneric(b *payloadBuild) (map[string]any, error) {
	blob := make([]any, minInt(b.intensity, 10))
	for i := range blob {
		blob[i] = b.mark(fmt.Sprintf("%s-%08x", b.pick(fakeWords), b.rng.Uint32()))
	}
	return map[string]any{
		"scenario_name":  b.mark(b.scenario),
		"timestamp":      b.timestamp,
		"tracking_token": b.token,
		"data":           blob,
	}, nil
}
