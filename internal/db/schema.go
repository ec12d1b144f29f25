package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- REFERENCE IMAGES (uploaded, shared across batches)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS reference_image SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS storage_key ON reference_image TYPE string;
    DEFINE FIELD IF NOT EXISTS url ON reference_image TYPE string;
    DEFINE FIELD IF NOT EXISTS mime_type ON reference_image TYPE string;
    DEFINE FIELD IF NOT EXISTS created ON reference_image TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS reference_image_key ON reference_image FIELDS storage_key UNIQUE;

    -- ==========================================================================
    -- BATCH
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS batch SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON batch TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS status ON batch TYPE string
        ASSERT $value IN ["PENDING", "RUNNING", "COMPLETED", "FAILED"] DEFAULT "PENDING";
    DEFINE FIELD IF NOT EXISTS image_count_per_prompt ON batch TYPE int ASSERT $value > 0 DEFAULT 1;
    DEFINE FIELD IF NOT EXISTS requires_reference ON batch TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS reference_images ON batch TYPE array<record<reference_image>> DEFAULT [];
    -- Run lock: token of the execution currently owning the batch
    DEFINE FIELD IF NOT EXISTS run_token ON batch TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS run_heartbeat ON batch TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS created ON batch TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated ON batch TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS batch_created ON batch FIELDS created;
    DEFINE INDEX IF NOT EXISTS batch_status ON batch FIELDS status;

    -- ==========================================================================
    -- PROMPT (immutable after batch creation)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS prompt SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS batch ON prompt TYPE record<batch>;
    DEFINE FIELD IF NOT EXISTS text ON prompt TYPE string;
    DEFINE FIELD IF NOT EXISTS position ON prompt TYPE int;
    DEFINE FIELD IF NOT EXISTS created ON prompt TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS prompt_batch ON prompt FIELDS batch;

    -- ==========================================================================
    -- GENERATED IMAGE (insert only)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS generated_image SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS prompt ON generated_image TYPE record<prompt>;
    DEFINE FIELD IF NOT EXISTS storage_key ON generated_image TYPE string;
    DEFINE FIELD IF NOT EXISTS url ON generated_image TYPE string;
    DEFINE FIELD IF NOT EXISTS created ON generated_image TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS generated_image_prompt ON generated_image FIELDS prompt;

    -- ==========================================================================
    -- GENERATION RUN (one per execution, keyed by run token)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS generation_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS batch ON generation_run TYPE record<batch>;
    DEFINE FIELD IF NOT EXISTS status ON generation_run TYPE string
        ASSERT $value IN ["PENDING", "RUNNING", "COMPLETED", "FAILED"] DEFAULT "PENDING";
    DEFINE FIELD IF NOT EXISTS total ON generation_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS completed ON generation_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS error ON generation_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS started ON generation_run TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS finished ON generation_run TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS updated ON generation_run TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS generation_run_batch ON generation_run FIELDS batch;
    DEFINE INDEX IF NOT EXISTS generation_run_status ON generation_run FIELDS status;
`
