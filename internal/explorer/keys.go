package explorer

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Submit   key.Binding
	Focus    key.Binding
	View     key.Binding
	Download key.Binding
	Share    key.Binding
	CDNLink  key.Binding
	Typing   key.Binding // help only
	Direct   key.Binding
	Embed    key.Binding
	Back     key.Binding
	Quit     key.Binding
	Help     key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Submit: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "fetch info")),
		Focus:  key.NewBinding(key.WithKeys("/", "i"), key.WithHelp("/", "edit id")),
		// The alt forms work while the id input has focus.
		View:     key.NewBinding(key.WithKeys("v", "alt+v"), key.WithHelp("v", "view")),
		Download: key.NewBinding(key.WithKeys("d", "alt+d"), key.WithHelp("d", "download")),
		Share:    key.NewBinding(key.WithKeys("s", "alt+s"), key.WithHelp("s", "share")),
		CDNLink:  key.NewBinding(key.WithKeys("c", "alt+c"), key.WithHelp("c", "copy cdn link")),
		Typing:   key.NewBinding(key.WithKeys("alt+v", "alt+d", "alt+s", "alt+c"), key.WithHelp("alt+key", "act while typing")),
		Direct:   key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "copy direct link")),
		Embed:    key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "copy embed")),
		Back:     key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	}
}

// explorerKeys and shareKeys adapt the map to help.KeyMap per screen.
type explorerKeys struct{ keyMap }

func (k explorerKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Submit, k.View, k.Download, k.Share, k.CDNLink, k.Quit}
}

func (k explorerKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Submit, k.Focus, k.Back},
		{k.View, k.Download, k.Share, k.CDNLink, k.Typing},
		{k.Help, k.Quit},
	}
}

type shareKeys struct{ keyMap }

func (k shareKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Direct, k.Embed, k.Back, k.Quit}
}

func (k shareKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Direct, k.Embed}, {k.Back, k.Help, k.Quit}}
}
