package acquire

// DefaultDomain is the site signed into when Config.Domain is empty.
const DefaultDomain = "www.karaoke-version.com"

// VerificationMarker appears in the page title when the site suspects
// automation.
const VerificationMarker = "Suspicious activity has been detected"

// Selectors are the fixed CSS selectors for the site's markup.
type Selectors struct {
	Mixer         string
	Download      string
	NotPurchased  string
	Solo          string
	TrackName     string
	Confirmation  string
	ConfirmLink   string
	Dismiss       string
	CountIn       string
	PitchValue    string
	PitchUp       string
	PitchDown     string
	PitchReload   string
	LoginLink     string
	LoginUser     string
	LoginPassword string
	LoginSubmit   string
}

func DefaultSelectors() Selectors {
	return Selectors{
		Mixer:         "div.mixer",
		Download:      "a.download",
		NotPurchased:  "a.download.addtocart",
		Solo:          ".track__controls.track__solo",
		TrackName:     ".mixer .track .track__caption",
		Confirmation:  ".begin-download",
		ConfirmLink:   "div.begin-download a",
		Dismiss:       "button.js-modal-close",
		CountIn:       "input#precount",
		PitchValue:    "span.pitch__value",
		PitchUp:       "div.pitch button.btn--pitch[title='Key up' i]",
		PitchDown:     "div.pitch button.btn--pitch[title='Key down' i]",
		PitchReload:   "a#pitch-link",
		LoginLink:     ".navigation a[href='/my/login.html']",
		LoginUser:     "#frm_login",
		LoginPassword: "#frm_password",
		LoginSubmit:   "#sbm",
	}
}

// withDefaults fills empty selectors from DefaultSelectors.
func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.Mixer, d.Mixer)
	fill(&s.Download, d.Download)
	fill(&s.NotPurchased, d.NotPurchased)
	fill(&s.Solo, d.Solo)
	fill(&s.TrackName, d.TrackName)
	fill(&s.Confirmation, d.Confirmation)
	fill(&s.ConfirmLink, d.ConfirmLink)
	fill(&s.Dismiss, d.Dismiss)
	fill(&s.CountIn, d.CountIn)
	fill(&s.PitchValue, d.PitchValue)
	fill(&s.PitchUp, d.PitchUp)
	fill(&s.PitchDown, d.PitchDown)
	fill(&s.PitchReload, d.PitchReload)
	fill(&s.LoginLink, d.LoginLink)
	fill(&s.LoginUser, d.LoginUser)
	fill(&s.LoginPassword, d.LoginPassword)
	fill(&s.LoginSubmit, d.LoginSubmit)
	return s
}
