package acl

// IpcExport publishes device memory allocated by this process under name so
// that other processes can import it. An empty name generates a key.
func (rt *Runtime) IpcExport(m *Memory, name string) (string, error) {
	const op = "ipc.export"
	if err := rt.alive(op); err != nil {
		return "", err
	}
	if m == nil {
		return "", newError(InvalidArgument, op, ErrNilArgument)
	}
	if m.residency != DeviceResident || m.handle != nil || m.ctx == nil || m.ctx.dev.rt != rt {
		return "", newError(InvalidArgument, op, ErrNotExportable)
	}
	if m.freed.Load() {
		return "", newError(InvalidHandle, op, ErrMemoryFreed)
	}
	key, err := rt.platform.registry.Export(rt.tgid, m.buf, name)
	if err != nil {
		return "", wrap(op, err)
	}
	return key, nil
}

// IpcSetImportPid allows the processes with the given device-subsystem pids
// to import key. Calls accumulate. Only the exporter may call it.
func (rt *Runtime) IpcSetImportPid(key string, pids ...uint32) error {
	const op = "ipc.set_import_pid"
	if err := rt.alive(op); err != nil {
		return err
	}
	return wrap(op, rt.platform.registry.SetImportWhitelist(rt.tgid, key, pids...))
}

// IpcImport maps the memory exported under key into c. The returned region
// shares physical memory with the exporter until the export is closed.
func (rt *Runtime) IpcImport(c *Context, key string) (*Memory, error) {
	const op = "ipc.import"
	if err := rt.alive(op); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, newError(InvalidArgument, op, ErrNilArgument)
	}
	if c.dev.rt != rt {
		return nil, newError(InvalidArgument, op, ErrWrongContext)
	}
	h, err := rt.platform.registry.Import(key, rt.tgid)
	if err != nil {
		return nil, wrap(op, err)
	}
	buf, err := h.Buffer()
	if err != nil {
		_ = h.Release()
		return nil, wrap(op, err)
	}
	m := &Memory{ctx: c, residency: DeviceResident, policy: buf.Policy(), size: buf.Size(), handle: h}
	if err := c.track(op, m); err != nil {
		_ = h.Release()
		return nil, err
	}
	return m, nil
}

// IpcClose revokes an export owned by this process. Imported handles stop
// resolving; a later close or import of key reports NotFound.
func (rt *Runtime) IpcClose(key string) error {
	const op = "ipc.close"
	if err := rt.alive(op); err != nil {
		return err
	}
	return wrap(op, rt.platform.registry.Close(rt.tgid, key))
}
