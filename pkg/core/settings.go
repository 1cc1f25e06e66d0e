package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Settings — every numeric knob governing Hebbian learning, recall gating,
// maintenance, and consolidation lives here, never as an inline constant.
// Changing a field changes the observable behavior of the whole engine.
//
// Resolved through a four-level hierarchy:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (CLI flags applied after loading)
//	  2. Environment variables (MNEMO_* prefix)
//	  3. YAML configuration file
//	  4. Built-in defaults
// ---------------------------------------------------------------------------

// WindowSettings governs the in-memory sequential window.
type WindowSettings struct {
	// Size is the number of distinct neurons held in the sequential window,
	// eligible for Hebbian strengthening on the next observation.
	Size int `yaml:"size"`
	// ToolChainSize caps the separate tool-sequence buffer used by predict_next.
	ToolChainSize int `yaml:"toolChainSize"`
}

// WriteSettings governs record/record_error/resolve_error.
type WriteSettings struct {
	BaseLearningRate      float64       `yaml:"baseLearningRate"`
	ErrorBoost            float64       `yaml:"errorBoost"`
	HubOutDegreeThreshold int           `yaml:"hubOutDegreeThreshold"`
	HubPenaltyFactor      float64       `yaml:"hubPenaltyFactor"`
	BCMBase               float64       `yaml:"bcmBase"`
	TagCaptureWindow      time.Duration `yaml:"tagCaptureWindow"`
	TagCaptureFloor       float64       `yaml:"tagCaptureFloor"`
	ResolveWeight         float64       `yaml:"resolveWeight"`
}

// RecallSettings governs the six-phase recall pipeline.
type RecallSettings struct {
	DefaultTokenBudget int     `yaml:"defaultTokenBudget"`
	DefaultLimit       int     `yaml:"defaultLimit"`
	TokensPerFile      int     `yaml:"tokensPerFile"`
	TokensPerTool      int     `yaml:"tokensPerTool"`
	ConfidenceGate     float64 `yaml:"confidenceGate"`
	MyelinatedGate     float64 `yaml:"myelinatedGate"`

	FingerprintSynapseWeightMin float64 `yaml:"fingerprintSynapseWeightMin"`
	CosineThreshold             float64 `yaml:"cosineThreshold"`
	StemMinTokenLen             int     `yaml:"stemMinTokenLen"`

	MaxHops                int     `yaml:"maxHops"`
	TopSynapsesPerSeed     int     `yaml:"topSynapsesPerSeed"`
	SpreadSynapseWeightMin float64 `yaml:"spreadSynapseWeightMin"`
	SpreadMyelinationCap   float64 `yaml:"spreadMyelinationCap"`
	SpreadOutDegreeCap     int     `yaml:"spreadOutDegreeCap"`

	EpisodicWindowDays int `yaml:"episodicWindowDays"`

	SnippetGate        float64 `yaml:"snippetGate"`
	TopSnippets        int     `yaml:"topSnippets"`
	SnippetBoostFactor float64 `yaml:"snippetBoostFactor"`
	SnippetBoostCap    float64 `yaml:"snippetBoostCap"`

	BonusMyelinationWeight float64 `yaml:"bonusMyelinationWeight"`
	BonusMyelinationCap    float64 `yaml:"bonusMyelinationCap"`
	BonusRecencyWeight     float64 `yaml:"bonusRecencyWeight"`
	RecencyWindowHours     float64 `yaml:"recencyWindowHours"`
	BonusPathTokenWeight   float64 `yaml:"bonusPathTokenWeight"`
	BonusStemMatch         float64 `yaml:"bonusStemMatch"`
	BonusSourceExt         float64 `yaml:"bonusSourceExt"`
	BonusDocExt            float64 `yaml:"bonusDocExt"`
}

// MaintenanceSettings governs decay, pruning, and homeostasis.
type MaintenanceSettings struct {
	ActivationDecay  float64 `yaml:"activationDecay"`
	MyelinationDecay float64 `yaml:"myelinationDecay"`
	WeightDecay      float64 `yaml:"weightDecay"`

	NoiseBridgeWeightMax      float64 `yaml:"noiseBridgeWeightMax"`
	NoiseBridgeCoAccessMax    int64   `yaml:"noiseBridgeCoAccessMax"`
	NoiseBridgeActivationMax  float64 `yaml:"noiseBridgeActivationMax"`
	NoiseBridgeMyelinationMax float64 `yaml:"noiseBridgeMyelinationMax"`
	NoiseBridgeExtraWeaken    float64 `yaml:"noiseBridgeExtraWeaken"`

	PruneTier1Weight     float64       `yaml:"pruneTier1Weight"`
	PruneTier1Age        time.Duration `yaml:"pruneTier1Age"`
	PruneTier2Weight     float64       `yaml:"pruneTier2Weight"`
	PruneTier2CoAccessMax int64        `yaml:"pruneTier2CoAccessMax"`
	PruneTier2Age        time.Duration `yaml:"pruneTier2Age"`
	PruneTier3Weight     float64       `yaml:"pruneTier3Weight"`
	PruneTier3Age        time.Duration `yaml:"pruneTier3Age"`
	PruneSafetyNetWeight float64       `yaml:"pruneSafetyNetWeight"`

	DeadActivationMax  float64 `yaml:"deadActivationMax"`
	DeadMyelinationMax float64 `yaml:"deadMyelinationMax"`
	DeadAccessMax      int64   `yaml:"deadAccessMax"`

	OrphanAccessMax      int64   `yaml:"orphanAccessMax"`
	OrphanMyelinationMax float64 `yaml:"orphanMyelinationMax"`

	HomeostasisMyelinationTarget float64 `yaml:"homeostasisMyelinationTarget"`
	HomeostasisWeightTarget      float64 `yaml:"homeostasisWeightTarget"`
	HyperactiveMultiplier        float64 `yaml:"hyperactiveMultiplier"`
	HyperactiveMyelinationScale  float64 `yaml:"hyperactiveMyelinationScale"`
	UnderactiveDivisor           float64 `yaml:"underactiveDivisor"`
	UnderactiveBoost             float64 `yaml:"underactiveBoost"`
	UnderactiveMyelinationFloor  float64 `yaml:"underactiveMyelinationFloor"`

	TagExpiry time.Duration `yaml:"tagExpiry"`
}

// ConsolidationSettings governs the offline consolidation pass.
type ConsolidationSettings struct {
	SessionReplayMaxSessions  int           `yaml:"sessionReplayMaxSessions"`
	SessionReplayMinAccesses  int           `yaml:"sessionReplayMinAccesses"`
	SessionReplayWindowDays   int           `yaml:"sessionReplayWindowDays"`
	SessionReplayDeltaDivisor float64       `yaml:"sessionReplayDeltaDivisor"`

	EbbinghausRecentWindow time.Duration `yaml:"ebbinghausRecentWindow"`
	EbbinghausStaleWindow  time.Duration `yaml:"ebbinghausStaleWindow"`
	EbbinghausMyelinMin    float64       `yaml:"ebbinghausMyelinMin"`
	EbbinghausQuarterBCM   float64       `yaml:"ebbinghausQuarterBCM"`
	EbbinghausStaleDecay   float64       `yaml:"ebbinghausStaleDecay"`

	CrossSessionMinSessions  int           `yaml:"crossSessionMinSessions"`
	CrossSessionWindow       time.Duration `yaml:"crossSessionWindow"`
	CrossSessionNewWeight    float64       `yaml:"crossSessionNewWeight"`
	CrossSessionWeakThreshold float64      `yaml:"crossSessionWeakThreshold"`
	CrossSessionBoost        float64       `yaml:"crossSessionBoost"`

	TemporalMinRows          int           `yaml:"temporalMinRows"`
	TemporalWindow           time.Duration `yaml:"temporalWindow"`
	TemporalProximity        time.Duration `yaml:"temporalProximity"`
	TemporalBaseWeight       float64       `yaml:"temporalBaseWeight"`
	TemporalMaxBonus         float64       `yaml:"temporalMaxBonus"`
	TemporalWeakThreshold    float64       `yaml:"temporalWeakThreshold"`

	DirectionalWindow        time.Duration `yaml:"directionalWindow"`
	DirectionalMaxOrderGap   int64         `yaml:"directionalMaxOrderGap"`
	DirectionalMinCount      int           `yaml:"directionalMinCount"`
	DirectionalRatio         float64       `yaml:"directionalRatio"`
	DirectionalBoost         float64       `yaml:"directionalBoost"`
	DirectionalWeightRangeLo float64       `yaml:"directionalWeightRangeLo"`
	DirectionalWeightRangeHi float64       `yaml:"directionalWeightRangeHi"`

	TripletMaxNeighbors int     `yaml:"tripletMaxNeighbors"`
	TripletBoost        float64 `yaml:"tripletBoost"`

	EpisodicRetention time.Duration `yaml:"episodicRetention"`
	EpisodicRowCap    int           `yaml:"episodicRowCap"`
}

// AuxiliarySettings governs anti-recall, prediction, hubs, staleness.
type AuxiliarySettings struct {
	AntiRecallFloor      float64 `yaml:"antiRecallFloor"`
	AntiRecallBaseWeaken float64 `yaml:"antiRecallBaseWeaken"`
	AntiRecallFlatWeaken float64 `yaml:"antiRecallFlatWeaken"`

	PredictSynapseWeightMin float64 `yaml:"predictSynapseWeightMin"`
	PredictScoreCap         float64 `yaml:"predictScoreCap"`
	PredictTopTools         int     `yaml:"predictTopTools"`
	PredictTopFiles         int     `yaml:"predictTopFiles"`

	HubsDefaultLimit   int `yaml:"hubsDefaultLimit"`
	HubsTopConnections int `yaml:"hubsTopConnections"`

	StaleDecayPerDay float64 `yaml:"staleDecayPerDay"`

	IntentTopTokens   int `yaml:"intentTopTokens"`
	IntentMinTokenLen int `yaml:"intentMinTokenLen"`
}

// StoreSettings governs the relational Store.
type StoreSettings struct {
	// Path is the SQLite database file location. Overridable by
	// MNEMO_STORE_PATH so sandboxed testing never touches the real store.
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busyTimeout"`
}

// EmbeddingSettings governs the embeddings contract.
type EmbeddingSettings struct {
	Dimension        int    `yaml:"dimension"`
	LibraryPath      string `yaml:"libraryPath"`
	QueryRepeat      int    `yaml:"queryRepeat"`
	EmbedContextSize uint32 `yaml:"embedContextSize"`
}

// SessionSettings governs rotation and the external safety timeout.
type SessionSettings struct {
	IdleGap             time.Duration `yaml:"idleGap"`
	ExternalCallTimeout time.Duration `yaml:"externalCallTimeout"`
	SnippetCacheTTL     time.Duration `yaml:"snippetCacheTTL"`
}

// Settings is the root configuration object for a mnemo engine instance.
type Settings struct {
	Store         StoreSettings         `yaml:"store"`
	Embeddings    EmbeddingSettings     `yaml:"embeddings"`
	Session       SessionSettings       `yaml:"session"`
	Window        WindowSettings        `yaml:"window"`
	Write         WriteSettings         `yaml:"write"`
	Recall        RecallSettings        `yaml:"recall"`
	Maintenance   MaintenanceSettings   `yaml:"maintenance"`
	Consolidation ConsolidationSettings `yaml:"consolidation"`
	Auxiliary     AuxiliarySettings     `yaml:"auxiliary"`
}

// DefaultSettings returns a Settings struct populated with the engine's
// baseline constants.
func DefaultSettings() *Settings {
	return &Settings{
		Store: StoreSettings{
			Path:        "./mnemo.db",
			BusyTimeout: 5 * time.Second,
		},
		Embeddings: EmbeddingSettings{
			Dimension:        384,
			LibraryPath:      "",
			QueryRepeat:      2,
			EmbedContextSize: 512,
		},
		Session: SessionSettings{
			IdleGap:             15 * time.Minute,
			ExternalCallTimeout: 4 * time.Second,
			SnippetCacheTTL:     60 * time.Second,
		},
		Window: WindowSettings{
			Size:          25,
			ToolChainSize: 10,
		},
		Write: WriteSettings{
			BaseLearningRate:      0.1,
			ErrorBoost:            2.0,
			HubOutDegreeThreshold: 20,
			HubPenaltyFactor:      0.5,
			BCMBase:               0.02,
			TagCaptureWindow:      60 * time.Minute,
			TagCaptureFloor:       0.3,
			ResolveWeight:         0.85,
		},
		Recall: RecallSettings{
			DefaultTokenBudget: 10000,
			DefaultLimit:       5,
			TokensPerFile:      1500,
			TokensPerTool:      500,
			ConfidenceGate:     0.4,
			MyelinatedGate:     0.15,

			FingerprintSynapseWeightMin: 0.3,
			CosineThreshold:             0.25,
			StemMinTokenLen:             4,

			MaxHops:                3,
			TopSynapsesPerSeed:     10,
			SpreadSynapseWeightMin: 0.3,
			SpreadMyelinationCap:   0.5,
			SpreadOutDegreeCap:     50,

			EpisodicWindowDays: 7,

			SnippetGate:        0.35,
			TopSnippets:        20,
			SnippetBoostFactor: 1.15,
			SnippetBoostCap:    0.99,

			BonusMyelinationWeight: 0.3,
			BonusMyelinationCap:    0.5,
			BonusRecencyWeight:     0.2,
			RecencyWindowHours:     168,
			BonusPathTokenWeight:   0.4,
			BonusStemMatch:         0.4,
			BonusSourceExt:         0.3,
			BonusDocExt:            -0.15,
		},
		Maintenance: MaintenanceSettings{
			ActivationDecay:  0.15,
			MyelinationDecay: 0.005,
			WeightDecay:      0.02,

			NoiseBridgeWeightMax:      0.3,
			NoiseBridgeCoAccessMax:    2,
			NoiseBridgeActivationMax:  0.1,
			NoiseBridgeMyelinationMax: 0.05,
			NoiseBridgeExtraWeaken:    0.2,

			PruneTier1Weight:      0.05,
			PruneTier1Age:         7 * 24 * time.Hour,
			PruneTier2Weight:      0.15,
			PruneTier2CoAccessMax: 1,
			PruneTier2Age:         3 * 24 * time.Hour,
			PruneTier3Weight:      0.3,
			PruneTier3Age:         30 * 24 * time.Hour,
			PruneSafetyNetWeight:  0.05,

			DeadActivationMax:  0.01,
			DeadMyelinationMax: 0.01,
			DeadAccessMax:      2,

			OrphanAccessMax:      3,
			OrphanMyelinationMax: 0.05,

			HomeostasisMyelinationTarget: 0.15,
			HomeostasisWeightTarget:      0.35,
			HyperactiveMultiplier:        3.0,
			HyperactiveMyelinationScale:  0.9,
			UnderactiveDivisor:           3.0,
			UnderactiveBoost:             1.05,
			UnderactiveMyelinationFloor:  0.05,

			TagExpiry: 60 * time.Minute,
		},
		Consolidation: ConsolidationSettings{
			SessionReplayMaxSessions:  5,
			SessionReplayMinAccesses:  5,
			SessionReplayWindowDays:   7,
			SessionReplayDeltaDivisor: 10,

			EbbinghausRecentWindow: 24 * time.Hour,
			EbbinghausStaleWindow:  7 * 24 * time.Hour,
			EbbinghausMyelinMin:    0.05,
			EbbinghausQuarterBCM:   0.25,
			EbbinghausStaleDecay:   0.95,

			CrossSessionMinSessions:   3,
			CrossSessionWindow:        7 * 24 * time.Hour,
			CrossSessionNewWeight:     0.15,
			CrossSessionWeakThreshold: 0.2,
			CrossSessionBoost:         0.05,

			TemporalMinRows:       3,
			TemporalWindow:        14 * 24 * time.Hour,
			TemporalProximity:     60 * time.Second,
			TemporalBaseWeight:    0.15,
			TemporalMaxBonus:      0.15,
			TemporalWeakThreshold: 0.3,

			DirectionalWindow:        14 * 24 * time.Hour,
			DirectionalMaxOrderGap:   5,
			DirectionalMinCount:      5,
			DirectionalRatio:         2.0,
			DirectionalBoost:         0.2,
			DirectionalWeightRangeLo: 0.1,
			DirectionalWeightRangeHi: 0.8,

			TripletMaxNeighbors: 20,
			TripletBoost:        0.05,

			EpisodicRetention: 30 * 24 * time.Hour,
			EpisodicRowCap:    5000,
		},
		Auxiliary: AuxiliarySettings{
			AntiRecallFloor:      0.1,
			AntiRecallBaseWeaken: 0.1,
			AntiRecallFlatWeaken: 0.1,

			PredictSynapseWeightMin: 0.3,
			PredictScoreCap:         0.99,
			PredictTopTools:         3,
			PredictTopFiles:         5,

			HubsDefaultLimit:   10,
			HubsTopConnections: 5,

			StaleDecayPerDay: 0.995,

			IntentTopTokens:   20,
			IntentMinTokenLen: 3,
		},
	}
}

// SettingsFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func SettingsFromFile(path string) (*Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	return s, nil
}

// SettingsFromEnv applies MNEMO_*-prefixed environment variable overrides.
// Covers window size, confidence gates, decay rates, homeostasis targets,
// tag-capture floor and window, plus the store location, which sandboxed
// tests must be able to redirect without touching the user's real store.
func SettingsFromEnv(s *Settings) *Settings {
	if s == nil {
		s = DefaultSettings()
	}

	setEnvStr("MNEMO_STORE_PATH", &s.Store.Path)
	setEnvDuration("MNEMO_STORE_BUSY_TIMEOUT", &s.Store.BusyTimeout)

	setEnvInt("MNEMO_WINDOW_SIZE", &s.Window.Size)
	setEnvInt("MNEMO_TOOL_CHAIN_SIZE", &s.Window.ToolChainSize)

	setEnvFloat("MNEMO_BASE_LEARNING_RATE", &s.Write.BaseLearningRate)
	setEnvFloat("MNEMO_ERROR_BOOST", &s.Write.ErrorBoost)
	setEnvDuration("MNEMO_TAG_CAPTURE_WINDOW", &s.Write.TagCaptureWindow)
	setEnvFloat("MNEMO_TAG_CAPTURE_FLOOR", &s.Write.TagCaptureFloor)

	setEnvInt("MNEMO_RECALL_DEFAULT_LIMIT", &s.Recall.DefaultLimit)
	setEnvInt("MNEMO_RECALL_TOKEN_BUDGET", &s.Recall.DefaultTokenBudget)
	setEnvFloat("MNEMO_CONFIDENCE_GATE", &s.Recall.ConfidenceGate)
	setEnvFloat("MNEMO_MYELINATED_GATE", &s.Recall.MyelinatedGate)
	setEnvInt("MNEMO_MAX_HOPS", &s.Recall.MaxHops)

	setEnvFloat("MNEMO_ACTIVATION_DECAY", &s.Maintenance.ActivationDecay)
	setEnvFloat("MNEMO_MYELINATION_DECAY", &s.Maintenance.MyelinationDecay)
	setEnvFloat("MNEMO_WEIGHT_DECAY", &s.Maintenance.WeightDecay)
	setEnvFloat("MNEMO_HOMEOSTASIS_MYELINATION_TARGET", &s.Maintenance.HomeostasisMyelinationTarget)
	setEnvFloat("MNEMO_HOMEOSTASIS_WEIGHT_TARGET", &s.Maintenance.HomeostasisWeightTarget)
	setEnvDuration("MNEMO_TAG_EXPIRY", &s.Maintenance.TagExpiry)

	setEnvDuration("MNEMO_SESSION_IDLE_GAP", &s.Session.IdleGap)
	setEnvDuration("MNEMO_EXTERNAL_CALL_TIMEOUT", &s.Session.ExternalCallTimeout)

	setEnvInt("MNEMO_EMBEDDING_DIMENSION", &s.Embeddings.Dimension)
	setEnvStr("MNEMO_EMBEDDING_LIBRARY_PATH", &s.Embeddings.LibraryPath)

	return s
}

// LoadSettings implements the full hierarchy: defaults → YAML file (if
// configPath is non-empty) → environment variables. The caller applies any
// CLI overrides afterward via ApplyCLIOverrides.
func LoadSettings(configPath string) (*Settings, error) {
	var s *Settings
	if configPath != "" {
		var err error
		s, err = SettingsFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		s = DefaultSettings()
	}
	return SettingsFromEnv(s), nil
}

// Validate performs structural validation, returning the first invalid
// field encountered.
func (s *Settings) Validate() error {
	if s.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if s.Window.Size <= 0 {
		return fmt.Errorf("window.size must be > 0")
	}
	if s.Recall.ConfidenceGate <= 0 || s.Recall.ConfidenceGate > 1 {
		return fmt.Errorf("recall.confidenceGate must be in (0,1]")
	}
	if s.Recall.MyelinatedGate <= 0 || s.Recall.MyelinatedGate >= s.Recall.ConfidenceGate {
		return fmt.Errorf("recall.myelinatedGate must be in (0, confidenceGate)")
	}
	if s.Write.TagCaptureFloor <= 0 || s.Write.TagCaptureFloor > 1 {
		return fmt.Errorf("write.tagCaptureFloor must be in (0,1]")
	}
	if s.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be > 0")
	}
	return nil
}

// CLIOverrides carries optional values set via command-line flags, the
// highest-priority layer of the hierarchy. Pointer fields are nil when the
// flag was not explicitly provided.
type CLIOverrides struct {
	ConfigPath     *string
	StorePath      *string
	WindowSize     *int
	TokenBudget    *int
	RecallLimit    *int
	ConfidenceGate *float64
	MyelinatedGate *float64
}

// ApplyCLIOverrides patches Settings with any explicitly-set CLI flags.
func (s *Settings) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.StorePath != nil {
		s.Store.Path = *o.StorePath
	}
	if o.WindowSize != nil {
		s.Window.Size = *o.WindowSize
	}
	if o.TokenBudget != nil {
		s.Recall.DefaultTokenBudget = *o.TokenBudget
	}
	if o.RecallLimit != nil {
		s.Recall.DefaultLimit = *o.RecallLimit
	}
	if o.ConfidenceGate != nil {
		s.Recall.ConfidenceGate = *o.ConfidenceGate
	}
	if o.MyelinatedGate != nil {
		s.Recall.MyelinatedGate = *o.MyelinatedGate
	}
}

// ---------------------------------------------------------------------------
// Environment variable helpers.
// ---------------------------------------------------------------------------

func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
