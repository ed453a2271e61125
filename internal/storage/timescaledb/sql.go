package timescaledb

const createTransmissionTableSQL = `
CREATE TABLE IF NOT EXISTS lidar_transmission (
    time timestamp WITH TIME ZONE NOT NULL,
    run_number integer NOT NULL,
    processing_id text NOT NULL,
    altitude float8 NOT NULL,
    transmission float8 NULL,
    rel_err float8 NOT NULL,
    valid boolean NOT NULL
);`

const createCorrectedRatesTableSQL = `
CREATE TABLE IF NOT EXISTS corrected_trigger_rates (
    time timestamp WITH TIME ZONE NOT NULL,
    run_number integer NOT NULL,
    processing_id text NOT NULL,
    mode text NOT NULL,
    count bigint NOT NULL,
    duration float8 NOT NULL,
    raw_rate float8 NOT NULL,
    rate float8 NOT NULL,
    factor float8 NOT NULL,
    transmission float8 NULL,
    uncertainty float8 NOT NULL,
    flag text NOT NULL
);`

const createExtensionSQL = `CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;`

const createTransmissionHypertableSQL = `SELECT create_hypertable('lidar_transmission', 'time', if_not_exists => TRUE);`

const createCorrectedRatesHypertableSQL = `SELECT create_hypertable('corrected_trigger_rates', 'time', if_not_exists => TRUE);`

const createRunIndexesSQL = `
CREATE INDEX IF NOT EXISTS lidar_transmission_run_idx ON lidar_transmission (run_number, time DESC);
CREATE INDEX IF NOT EXISTS corrected_trigger_rates_run_idx ON corrected_trigger_rates (run_number, time DESC);`
