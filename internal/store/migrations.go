package store

const schema = `
CREATE TABLE IF NOT EXISTS proxies (
    id         TEXT PRIMARY KEY,
    url        TEXT NOT NULL,
    username   TEXT NOT NULL DEFAULT '',
    password   TEXT NOT NULL DEFAULT '',
    enabled    BOOLEAN NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_configs (
    id           TEXT PRIMARY KEY,
    command      TEXT NOT NULL,
    args         TEXT NOT NULL DEFAULT '[]',
    env          TEXT NOT NULL DEFAULT '{}',
    dir          TEXT NOT NULL DEFAULT '',
    max_accounts INTEGER NOT NULL DEFAULT 0,
    enabled      BOOLEAN NOT NULL DEFAULT 1,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    id               TEXT PRIMARY KEY,
    platform         TEXT NOT NULL,
    name             TEXT NOT NULL DEFAULT '',
    worker_id        TEXT NOT NULL DEFAULT '',
    proxy_id         TEXT NOT NULL DEFAULT '',
    monitor_interval INTEGER NOT NULL DEFAULT 30,
    enabled          BOOLEAN NOT NULL DEFAULT 1,
    worker_status    TEXT NOT NULL DEFAULT 'stopped',
    login_status     TEXT NOT NULL DEFAULT '',
    last_error       TEXT NOT NULL DEFAULT '',
    last_crawl_at    INTEGER NOT NULL DEFAULT 0,
    total_comments   INTEGER NOT NULL DEFAULT 0,
    total_contents   INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_worker ON accounts(worker_id);
CREATE INDEX IF NOT EXISTS idx_accounts_platform ON accounts(platform);
`
