package protocol

// Typed request arguments and result bodies. Each pairs an Encode and a
// Decode method over the same field order; Marshal and Unmarshal wrap
// them.

// ── Command ──────────────────────────────────────────────────────────

// CommandArgs describes a process to run on the host.
type CommandArgs struct {
	Path  string
	Args  []string
	Env   []string
	Dir   string
	TTY   bool
	Stdin []byte
}

func (a *CommandArgs) Encode(w *Writer) {
	w.String(a.Path)
	w.Strings(a.Args)
	w.Strings(a.Env)
	w.String(a.Dir)
	w.Bool(a.TTY)
	w.Bytes(a.Stdin)
}

func (a *CommandArgs) Decode(r *Reader) {
	a.Path = r.String()
	a.Args = r.Strings()
	a.Env = r.Strings()
	a.Dir = r.String()
	a.TTY = r.Bool()
	a.Stdin = r.Bytes()
}

// CommandResult is the terminal body of a command execution.
type CommandResult struct {
	ExitCode   int32
	DurationMs int64
}

func (c *CommandResult) Encode(w *Writer) {
	w.Int32(c.ExitCode)
	w.Int64(c.DurationMs)
}

func (c *CommandResult) Decode(r *Reader) {
	c.ExitCode = r.Int32()
	c.DurationMs = r.Int64()
}

// DaemonArgs names a supervised long-running command. Command is only
// read by OpDaemonStart.
type DaemonArgs struct {
	Name    string
	Command CommandArgs
}

func (a *DaemonArgs) Encode(w *Writer) {
	w.String(a.Name)
	a.Command.Encode(w)
}

func (a *DaemonArgs) Decode(r *Reader) {
	a.Name = r.String()
	a.Command.Decode(r)
}

// DaemonStatus reports a supervised command's live state.
type DaemonStatus struct {
	State    RunState
	PID      int32
	ExitCode int32
	Changed  bool
}

func (s *DaemonStatus) Encode(w *Writer) {
	w.Uint8(uint8(s.State))
	w.Int32(s.PID)
	w.Int32(s.ExitCode)
	w.Bool(s.Changed)
}

func (s *DaemonStatus) Decode(r *Reader) {
	s.State = RunState(r.Uint8())
	s.PID = r.Int32()
	s.ExitCode = r.Int32()
	s.Changed = r.Bool()
}

// ── File and directory ───────────────────────────────────────────────

// FileArgs is shared by every file and directory op; each op reads the
// fields it needs.
type FileArgs struct {
	Path      string
	Dest      string
	User      string
	Group     string
	Mode      uint32
	Recursive bool
	Overwrite bool
	Data      []byte
}

func (a *FileArgs) Encode(w *Writer) {
	w.String(a.Path)
	w.String(a.Dest)
	w.String(a.User)
	w.String(a.Group)
	w.Uint32(a.Mode)
	w.Bool(a.Recursive)
	w.Bool(a.Overwrite)
	w.Bytes(a.Data)
}

func (a *FileArgs) Decode(r *Reader) {
	a.Path = r.String()
	a.Dest = r.String()
	a.User = r.String()
	a.Group = r.String()
	a.Mode = r.Uint32()
	a.Recursive = r.Bool()
	a.Overwrite = r.Bool()
	a.Data = r.Bytes()
}

// FileInfo describes one filesystem entry. Digest is the hex blake2b-256
// of a regular file's contents and empty otherwise.
type FileInfo struct {
	Path    string
	Exists  bool
	IsDir   bool
	Mode    uint32
	Size    uint64
	ModTime int64
	User    string
	UID     uint32
	Group   string
	GID     uint32
	Digest  string
}

func (f *FileInfo) Encode(w *Writer) {
	w.String(f.Path)
	w.Bool(f.Exists)
	w.Bool(f.IsDir)
	w.Uint32(f.Mode)
	w.Uint64(f.Size)
	w.Int64(f.ModTime)
	w.String(f.User)
	w.Uint32(f.UID)
	w.String(f.Group)
	w.Uint32(f.GID)
	w.String(f.Digest)
}

func (f *FileInfo) Decode(r *Reader) {
	f.Path = r.String()
	f.Exists = r.Bool()
	f.IsDir = r.Bool()
	f.Mode = r.Uint32()
	f.Size = r.Uint64()
	f.ModTime = r.Int64()
	f.User = r.String()
	f.UID = r.Uint32()
	f.Group = r.String()
	f.GID = r.Uint32()
	f.Digest = r.String()
}

// DirListing is the result of OpDirList.
type DirListing struct {
	Entries []FileInfo
}

func (l *DirListing) Encode(w *Writer) {
	w.Uint32(uint32(len(l.Entries)))
	for i := range l.Entries {
		l.Entries[i].Encode(w)
	}
}

func (l *DirListing) Decode(r *Reader) {
	n := r.Uint32()
	if n == 0 || r.Err() != nil {
		return
	}
	// an encoded entry is at least 38 bytes
	if int(n) > r.remaining()/38 {
		r.err = errTooMany
		return
	}
	l.Entries = make([]FileInfo, n)
	for i := range l.Entries {
		l.Entries[i].Decode(r)
	}
}

// FileContents is the result of OpFileRead.
type FileContents struct {
	Data []byte
}

func (c *FileContents) Encode(w *Writer) { w.Bytes(c.Data) }
func (c *FileContents) Decode(r *Reader) { c.Data = r.Bytes() }

// Changed is the result of mutating file and directory ops.
type Changed struct {
	Changed bool
}

func (c *Changed) Encode(w *Writer) { w.Bool(c.Changed) }
func (c *Changed) Decode(r *Reader) { c.Changed = r.Bool() }

// ── Package ──────────────────────────────────────────────────────────

// PackageArgs names a package. Provider empty selects the agent default.
type PackageArgs struct {
	Name     string
	Version  string
	Provider string
}

func (a *PackageArgs) Encode(w *Writer) {
	w.String(a.Name)
	w.String(a.Version)
	w.String(a.Provider)
}

func (a *PackageArgs) Decode(r *Reader) {
	a.Name = r.String()
	a.Version = r.String()
	a.Provider = r.String()
}

// PackageInfo reports a package's installed state after an operation.
type PackageInfo struct {
	Name      string
	Provider  string
	Version   string
	Installed bool
	Changed   bool
}

func (p *PackageInfo) Encode(w *Writer) {
	w.String(p.Name)
	w.String(p.Provider)
	w.String(p.Version)
	w.Bool(p.Installed)
	w.Bool(p.Changed)
}

func (p *PackageInfo) Decode(r *Reader) {
	p.Name = r.String()
	p.Provider = r.String()
	p.Version = r.String()
	p.Installed = r.Bool()
	p.Changed = r.Bool()
}

// ── Service ──────────────────────────────────────────────────────────

// ServiceArgs names a service.
type ServiceArgs struct {
	Name string
}

func (a *ServiceArgs) Encode(w *Writer) { w.String(a.Name) }
func (a *ServiceArgs) Decode(r *Reader) { a.Name = r.String() }

// ServiceResult is the live state of a service after an action.
type ServiceResult struct {
	Name    string
	State   RunState
	Enabled bool
	Changed bool
}

func (s *ServiceResult) Encode(w *Writer) {
	w.String(s.Name)
	w.Uint8(uint8(s.State))
	w.Bool(s.Enabled)
	w.Bool(s.Changed)
}

func (s *ServiceResult) Decode(r *Reader) {
	s.Name = r.String()
	s.State = RunState(r.Uint8())
	s.Enabled = r.Bool()
	s.Changed = r.Bool()
}

// ── Template ─────────────────────────────────────────────────────────

// TemplateArgs carries template source and its variable bindings, encoded
// as a serialized google.protobuf.Struct.
type TemplateArgs struct {
	Source []byte
	Vars   []byte
	Dest   string
	Mode   uint32
}

func (a *TemplateArgs) Encode(w *Writer) {
	w.Bytes(a.Source)
	w.Bytes(a.Vars)
	w.String(a.Dest)
	w.Uint32(a.Mode)
}

func (a *TemplateArgs) Decode(r *Reader) {
	a.Source = r.Bytes()
	a.Vars = r.Bytes()
	a.Dest = r.String()
	a.Mode = r.Uint32()
}

// TemplateResult holds the rendered text.
type TemplateResult struct {
	Text    []byte
	Written bool
}

func (t *TemplateResult) Encode(w *Writer) {
	w.Bytes(t.Text)
	w.Bool(t.Written)
}

func (t *TemplateResult) Decode(r *Reader) {
	t.Text = r.Bytes()
	t.Written = r.Bool()
}

// ── Payload and upload ───────────────────────────────────────────────

// ManifestFile is one file of an upload. Path is relative to the upload
// destination; an empty Path means the destination itself.
type ManifestFile struct {
	Path   string
	Mode   uint32
	Size   uint64
	Digest []byte
}

// Manifest opens an upload. Dest is empty for payloads, which the agent
// stages in its own work directory.
type Manifest struct {
	PayloadID string
	Dest      string
	Backup    string
	Files     []ManifestFile
}

func (m *Manifest) Encode(w *Writer) {
	w.String(m.PayloadID)
	w.String(m.Dest)
	w.String(m.Backup)
	w.Uint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		w.String(f.Path)
		w.Uint32(f.Mode)
		w.Uint64(f.Size)
		w.Bytes(f.Digest)
	}
}

func (m *Manifest) Decode(r *Reader) {
	m.PayloadID = r.String()
	m.Dest = r.String()
	m.Backup = r.String()
	n := r.Uint32()
	if n == 0 || r.Err() != nil {
		return
	}
	if int(n) > r.remaining()/18 {
		r.err = errTooMany
		return
	}
	m.Files = make([]ManifestFile, n)
	for i := range m.Files {
		m.Files[i].Path = r.String()
		m.Files[i].Mode = r.Uint32()
		m.Files[i].Size = r.Uint64()
		m.Files[i].Digest = r.Bytes()
	}
}

// TotalSize sums the manifest's file sizes.
func (m *Manifest) TotalSize() uint64 {
	var n uint64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// ResumeOffsets is sent on StreamResume once the agent is ready for
// chunks: one committed offset per manifest file.
type ResumeOffsets struct {
	Offsets []uint64
}

func (o *ResumeOffsets) Encode(w *Writer) {
	w.Uint32(uint32(len(o.Offsets)))
	for _, v := range o.Offsets {
		w.Uint64(v)
	}
}

func (o *ResumeOffsets) Decode(r *Reader) {
	n := r.Uint32()
	if n == 0 || r.Err() != nil {
		return
	}
	if int(n) > r.remaining()/8 {
		r.err = errTooMany
		return
	}
	o.Offsets = make([]uint64, n)
	for i := range o.Offsets {
		o.Offsets[i] = r.Uint64()
	}
}

// Progress is sent on StreamProgress as chunks are committed.
type Progress struct {
	File     uint32
	Received uint64
	Total    uint64
}

func (p *Progress) Encode(w *Writer) {
	w.Uint32(p.File)
	w.Uint64(p.Received)
	w.Uint64(p.Total)
}

func (p *Progress) Decode(r *Reader) {
	p.File = r.Uint32()
	p.Received = r.Uint64()
	p.Total = r.Uint64()
}

// UploadResult is the terminal body of a verified upload.
type UploadResult struct {
	Files   uint32
	Bytes   uint64
	Resumed uint64
}

func (u *UploadResult) Encode(w *Writer) {
	w.Uint32(u.Files)
	w.Uint64(u.Bytes)
	w.Uint64(u.Resumed)
}

func (u *UploadResult) Decode(r *Reader) {
	u.Files = r.Uint32()
	u.Bytes = r.Uint64()
	u.Resumed = r.Uint64()
}

// PayloadExecArgs runs the entrypoint of a committed payload.
type PayloadExecArgs struct {
	PayloadID  string
	Entrypoint string
	Args       []string
	Env        []string
}

func (a *PayloadExecArgs) Encode(w *Writer) {
	w.String(a.PayloadID)
	w.String(a.Entrypoint)
	w.Strings(a.Args)
	w.Strings(a.Env)
}

func (a *PayloadExecArgs) Decode(r *Reader) {
	a.PayloadID = r.String()
	a.Entrypoint = r.String()
	a.Args = r.Strings()
	a.Env = r.Strings()
}

// ── Telemetry ────────────────────────────────────────────────────────

// Telemetry is a snapshot of host facts.
type Telemetry struct {
	Hostname    string
	OS          string
	Arch        string
	Kernel      string
	CPUs        uint32
	CPUCores    uint32 // physical cores per package
	CPUVendor   string
	CPUBrand    string
	MemoryTotal uint64
	Uptime      int64
	Agent       string
	Mounts      []FsMount
	Interfaces  []Netif
}

// FsMount is one mounted filesystem.  Sizes are in bytes.
type FsMount struct {
	Filesystem string
	Mountpoint string
	Type       string
	Size       uint64
	Used       uint64
	Available  uint64
}

// Netif is one network interface.  Addrs are in CIDR notation.
type Netif struct {
	Name  string
	MAC   string
	Up    bool
	MTU   uint32
	Addrs []string
}

func (t *Telemetry) Encode(w *Writer) {
	w.String(t.Hostname)
	w.String(t.OS)
	w.String(t.Arch)
	w.String(t.Kernel)
	w.Uint32(t.CPUs)
	w.Uint32(t.CPUCores)
	w.String(t.CPUVendor)
	w.String(t.CPUBrand)
	w.Uint64(t.MemoryTotal)
	w.Int64(t.Uptime)
	w.String(t.Agent)

	w.Uint32(uint32(len(t.Mounts)))
	for _, m := range t.Mounts {
		w.String(m.Filesystem)
		w.String(m.Mountpoint)
		w.String(m.Type)
		w.Uint64(m.Size)
		w.Uint64(m.Used)
		w.Uint64(m.Available)
	}
	w.Uint32(uint32(len(t.Interfaces)))
	for _, n := range t.Interfaces {
		w.String(n.Name)
		w.String(n.MAC)
		w.Bool(n.Up)
		w.Uint32(n.MTU)
		w.Strings(n.Addrs)
	}
}

// minimum encoded sizes of list elements
const (
	fsMountMin = 3*2 + 3*8
	netifMin   = 2*2 + 1 + 4 + 2
)

func (t *Telemetry) Decode(r *Reader) {
	t.Hostname = r.String()
	t.OS = r.String()
	t.Arch = r.String()
	t.Kernel = r.String()
	t.CPUs = r.Uint32()
	t.CPUCores = r.Uint32()
	t.CPUVendor = r.String()
	t.CPUBrand = r.String()
	t.MemoryTotal = r.Uint64()
	t.Uptime = r.Int64()
	t.Agent = r.String()

	if n := r.Uint32(); n > 0 && r.Err() == nil {
		if int(n) > r.remaining()/fsMountMin {
			r.err = errTooMany
			return
		}
		t.Mounts = make([]FsMount, n)
		for i := range t.Mounts {
			m := &t.Mounts[i]
			m.Filesystem = r.String()
			m.Mountpoint = r.String()
			m.Type = r.String()
			m.Size = r.Uint64()
			m.Used = r.Uint64()
			m.Available = r.Uint64()
		}
	}
	if n := r.Uint32(); n > 0 && r.Err() == nil {
		if int(n) > r.remaining()/netifMin {
			r.err = errTooMany
			return
		}
		t.Interfaces = make([]Netif, n)
		for i := range t.Interfaces {
			ni := &t.Interfaces[i]
			ni.Name = r.String()
			ni.MAC = r.String()
			ni.Up = r.Bool()
			ni.MTU = r.Uint32()
			ni.Addrs = r.Strings()
		}
	}
}
