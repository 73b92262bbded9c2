package client

// GlobalStyle is presentation-wide display configuration. It is deliberately
// per-viewer: held only in the local store and never sent to the server or
// other participants.
type GlobalStyle struct {
	TextColor       string
	BackgroundColor string
	FontSize        int
	FontWeight      string
	FontFamily      string
}

// StylePatch merges into the current style; nil fields are left alone.
type StylePatch struct {
	TextColor       *string
	BackgroundColor *string
	FontSize        *int
	FontWeight      *string
	FontFamily      *string
}

func defaultStyle() GlobalStyle {
	return GlobalStyle{
		TextColor:       "#ffffff",
		BackgroundColor: "rgba(27, 27, 27, 1)",
		FontSize:        16,
		FontWeight:      "normal",
		FontFamily:      "Arial",
	}
}

func (g GlobalStyle) apply(p StylePatch) GlobalStyle {
	if p.TextColor != nil {
		g.TextColor = *p.TextColor
	}
	if p.BackgroundColor != nil {
		g.BackgroundColor = *p.BackgroundColor
	}
	if p.FontSize != nil {
		g.FontSize = *p.FontSize
	}
	if p.FontWeight != nil {
		g.FontWeight = *p.FontWeight
	}
	if p.FontFamily != nil {
		g.FontFamily = *p.FontFamily
	}
	return g
}
