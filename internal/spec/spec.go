package spec

type sinkConfigs struct {
	Kafka  KafkaSink  `yaml:"kafka"`
	Stdout StdoutSink `yaml:"stdout"`
}

type KafkaSink struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Acks    int16    `yaml:"required_acks"` // 0,1,-1
	Version string   `yaml:"version"`
}

type StdoutSink struct {
	PrintRow      bool `yaml:"print_row"`
	ValueMaxBytes int  `yaml:"value_max_bytes"`
}

type debugSection struct {
	PerFrameDelayMS int  `yaml:"per_frame_delay_ms"`
	PrintCounter    bool `yaml:"print_counter"`
	AckBatchSize    int  `yaml:"ack_batch_size"`
	AckFlushMS      int  `yaml:"ack_flush_ms"`
}

// FieldSpec declares one column of an input or output schema.
type FieldSpec struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`
	Nullable     bool   `yaml:"nullable"`
	PrimaryKey   bool   `yaml:"primary_key"`
	DefaultValue any    `yaml:"default_value"`
	Comment      string `yaml:"comment"`
}

type InputSpec struct {
	// Table is used for rows whose envelope carries no table id.
	Table  string      `yaml:"table"`
	Fields []FieldSpec `yaml:"fields"`
	// OnError decides what happens to frames that do not decode: fail|skip.
	OnError string `yaml:"on_error"`
}

type TransformerSpec struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"` // script|standard
	Interpreter string            `yaml:"interpreter"`
	InlineFlag  string            `yaml:"inline_flag"`
	Args        []string          `yaml:"args"`
	ScriptRef   string            `yaml:"script_reference"`
	ScriptFrom  string            `yaml:"script_source"` // http|file
	ScriptURL   string            `yaml:"script_url"`
	Launch      string            `yaml:"launch"` // inline|file
	Mode        string            `yaml:"mode"`   // persistent|per_row
	MergeStderr bool              `yaml:"merge_stderr"`
	Env         map[string]string `yaml:"env"`
	TimeoutMS   int               `yaml:"timeout_ms"`
	OnError     string            `yaml:"on_error"` // fail|skip
	RetryPolicy struct {
		Attempts  int `yaml:"attempts"`
		BackoffMS int `yaml:"backoff_ms"`
	} `yaml:"retry_policy"`
	// nil keeps the input schema.
	OutputFields []FieldSpec `yaml:"output_fields"`

	// type: standard. Comma-separated lists pair input columns with
	// document fields.
	InputField      string `yaml:"input_field"`
	QueryField      string `yaml:"query_model_field"`
	ModelID         string `yaml:"model_id"`
	ProjectionField string `yaml:"model_projection_field"`
	OutputName      string `yaml:"output_field_name"`
	OutputType      string `yaml:"output_field_type"`
}

// LookupStore is the document database standard transformers query.
type LookupStore struct {
	URI       string `yaml:"uri"`
	Database  string `yaml:"database"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`

	Source struct {
		Kind   string `yaml:"kind"`
		Driver string `yaml:"driver"`
		Config string `yaml:"config"`
	} `yaml:"source"`

	// ScriptRuntime points at the interpreter/download defaults file.
	ScriptRuntime string `yaml:"script_runtime"`

	Input InputSpec `yaml:"input"`

	// Ordered list of stages applied between source and sinks.
	Transformers []TransformerSpec `yaml:"transformers"`
	LookupStore  LookupStore       `yaml:"lookup_store"`

	Sinks       []string     `yaml:"sinks"`
	SinkConfigs sinkConfigs  `yaml:"sink_configs"`
	Debug       debugSection `yaml:"debug"`
}
