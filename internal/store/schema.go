package store

// Schema documents the tables the Bulk Writer reads and writes. Migrations
// are out of scope (spec.md §1); this file is a comment-only reference so
// the SQL in store.go is self-describing, matching the teacher's convention
// of documenting external schema alongside the code that depends on it
// (core/token_management.go's header comment on the on-chain ledger shape).
//
// CREATE TABLE chain_info (
//     id                 BIGSERIAL PRIMARY KEY,
//     chain_name         TEXT NOT NULL,
//     chain_id           TEXT NOT NULL UNIQUE,
//     next_block_number  BIGINT NOT NULL DEFAULT 0 CHECK (next_block_number >= 0),
//     created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
//     updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
// );
//
// CREATE TABLE address (
//     id             BIGSERIAL PRIMARY KEY,
//     wallet_address TEXT NOT NULL UNIQUE,
//     created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
// );
//
// CREATE TABLE address_chain (
//     id                BIGSERIAL PRIMARY KEY,
//     wallet_address_id BIGINT NOT NULL REFERENCES address(id) ON DELETE CASCADE,
//     chain_id          BIGINT NOT NULL REFERENCES chain_info(id) ON DELETE CASCADE,
//     created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
//     UNIQUE (wallet_address_id, chain_id)
// );
//
// CREATE TABLE status (
//     id                  BIGSERIAL PRIMARY KEY,
//     status_type         TEXT NOT NULL,
//     status_code         TEXT NOT NULL UNIQUE,
//     status_description  TEXT NOT NULL,
//     created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
// );
// -- seeded at minimum with the rpc.Class catalogue: "not_found", "timeout",
// -- "upstream_error", "transport_error" (failure classes) plus "ok" (success).
//
// CREATE TABLE api_call_failure_log (
//     id            BIGSERIAL PRIMARY KEY,
//     chain_id      TEXT NOT NULL REFERENCES chain_info(chain_id),
//     block_number  BIGINT NOT NULL,
//     status_code   TEXT NOT NULL REFERENCES status(status_code),
//     error_message TEXT,
//     created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
// );
