package models

// Stages lists the generation stages in the order a beat runs them.
var Stages = []JobKind{JobKindFrame, JobKindVideo, JobKindVoice, JobKindAmbience}

var stateRank = map[BeatState]int{
	BeatStatePending:           0,
	BeatStateGeneratingFrame:   1,
	BeatStateGeneratingVideo:   2,
	BeatStateGeneratingVoice:   3,
	BeatStateGeneratingAmbient: 4,
	BeatStateCompleted:         5,
}

// Rank orders non-failed states along the pipeline. Failed ranks -1.
func (s BeatState) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

func (s BeatState) Terminal() bool {
	return s == BeatStateCompleted || s == BeatStateFailed
}

// GeneratingState returns the beat state entered while kind is running.
func GeneratingState(kind JobKind) BeatState {
	switch kind {
	case JobKindFrame:
		return BeatStateGeneratingFrame
	case JobKindVideo:
		return BeatStateGeneratingVideo
	case JobKindVoice:
		return BeatStateGeneratingVoice
	case JobKindAmbience:
		return BeatStateGeneratingAmbient
	}
	return BeatStatePending
}

// ValidJobKind reports whether k names one of the four generation stages.
func ValidJobKind(k JobKind) bool {
	for _, s := range Stages {
		if s == k {
			return true
		}
	}
	return false
}

// Dependents returns the stages whose inputs derive from kind's output.
// Regenerating kind invalidates all of them.
func Dependents(kind JobKind) []JobKind {
	switch kind {
	case JobKindFrame:
		return []JobKind{JobKindVideo, JobKindVoice}
	case JobKindVideo:
		return []JobKind{JobKindVoice}
	}
	return nil
}

// AssetURL returns the stored output of kind, or nil if the stage has not completed.
func (b *Beat) AssetURL(kind JobKind) *string {
	switch kind {
	case JobKindFrame:
		return b.Frame.ImageURL
	case JobKindVideo:
		return b.Video.RawURL
	case JobKindVoice:
		return b.Audio.VoiceURL
	case JobKindAmbience:
		return b.Audio.AmbienceURL
	}
	return nil
}

// SetAsset stores url as the output of kind. A nil url clears it.
func (b *Beat) SetAsset(kind JobKind, url *string) {
	switch kind {
	case JobKindFrame:
		b.Frame.ImageURL = url
	case JobKindVideo:
		b.Video.RawURL = url
	case JobKindVoice:
		b.Audio.VoiceURL = url
	case JobKindAmbience:
		b.Audio.AmbienceURL = url
	}
}

// NextStage derives the first stage whose output is missing. ok is false
// once every generation stage has an asset.
func (b *Beat) NextStage() (kind JobKind, ok bool) {
	for _, k := range Stages {
		if u := b.AssetURL(k); u == nil || *u == "" {
			return k, true
		}
	}
	return "", false
}

// NeedsRender reports whether all stages are done but the final clip is missing.
func (b *Beat) NeedsRender() bool {
	if _, pending := b.NextStage(); pending {
		return false
	}
	return b.Video.FinalURL == nil || *b.Video.FinalURL == ""
}

// Failure describes a failed beat for API consumers. Nil unless State is failed.
func (b *Beat) Failure() *BeatFailure {
	if b.State != BeatStateFailed {
		return nil
	}
	f := &BeatFailure{
		BeatOrder:       b.Order,
		CreditsConsumed: b.CreditsConsumed,
		Remediation:     RemediationRegenerate,
	}
	if b.FailedStage != nil {
		f.Stage = *b.FailedStage
	}
	if b.ErrorMessage != nil {
		f.Message = *b.ErrorMessage
		if *b.ErrorMessage == InsufficientCreditsMessage {
			f.Remediation = RemediationRechargeCredit
		}
	}
	return f
}

// InsufficientCreditsMessage is stored on beats that stopped for lack of credits.
const InsufficientCreditsMessage = "insufficient credits"
