// Package main hosts the site audit service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, the pipeline stages under /functions/{stage}, and
//     read-only job inspection under /v1/jobs.
//   - Stages: onboarding queues an audit job; site-audit resolves the sitemap, fetches pages in checkpointed
//     chunks, scores them, and optionally asks Gemini for a critique; generate-report aggregates the pages into
//     one report per audit job; ai-enrichment backfills critiques for pages that lack one.
//   - Chaining: each stage records a durable next-stage pointer before firing the next stage, either in-process
//     or over HTTP when server.public_base_url is set. The scheduler re-fires pointers that were never acknowledged.
//   - Persistence: Postgres via pgx when db.dsn is set, in-memory otherwise. Reports can be archived to local disk
//     or GCS, and stage outcomes can be announced on a webhook or a Pub/Sub topic.
//
// Quick checklist:
//   - Configure env vars: AUDIT_SERVER_PORT or PORT, AUDIT_DB_DSN, AUDIT_AI_ENABLED and AUDIT_AI_API_KEY,
//     AUDIT_NOTIFY_KIND, AUDIT_STORAGE_KIND. A .env file in the working directory is read first.
//   - Serve: go run ./cmd/auditd serve --config config.yaml
//   - One-off audit: go run ./cmd/auditd audit --project-id acme --url https://acme.example
package main
